package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
)

// Syncer copies local files to remote hosts with rsync tunnelled over ssh.
type Syncer struct {
	creds  Credentials
	logger *slog.Logger

	// Binary is the rsync executable, "rsync" when empty.
	Binary string
}

// NewSyncer returns a Syncer authenticating with creds.
func NewSyncer(creds Credentials, logger *slog.Logger) *Syncer {
	if creds.Port == 0 {
		creds.Port = 22
	}

	return &Syncer{
		creds:  creds,
		logger: logger.With(slog.String("component", "rsync")),
	}
}

// Args returns the rsync argument list used to copy src to dst on host.
// The destination directory is created on the remote side before rsync
// runs. A src ending in "/" copies the directory contents.
func (s *Syncer) Args(host, src, dst string) []string {
	sshCmd := []string{"ssh", "-i", s.creds.IdentityFile, "-p", strconv.Itoa(s.creds.Port)}
	if s.creds.InsecureIgnoreHostKey {
		sshCmd = append(sshCmd, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	} else if s.creds.KnownHostsFile != "" {
		sshCmd = append(sshCmd, "-o", "UserKnownHostsFile="+s.creds.KnownHostsFile)
	}

	dstDir := dst
	if !strings.HasSuffix(src, "/") {
		dstDir = path.Dir(dst)
	}

	target := host + ":" + dst
	if s.creds.User != "" {
		target = s.creds.User + "@" + target
	}

	return []string{
		"-az",
		"-e", Command(sshCmd),
		"--rsync-path", fmt.Sprintf("mkdir -p %s && rsync", Quote(dstDir)),
		src,
		target,
	}
}

// Sync copies src to dst on host and blocks until rsync exits.
func (s *Syncer) Sync(ctx context.Context, host, src, dst string) error {
	bin := s.Binary
	if bin == "" {
		bin = "rsync"
	}

	args := s.Args(host, src, dst)

	s.logger.InfoContext(ctx, "syncing artifact",
		slog.String("host", host),
		slog.String("src", src),
		slog.String("dst", dst),
	)

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync %s to %s:%s: %w\nstderr: %s", src, host, dst, err, stderr.String())
	}

	return nil
}
