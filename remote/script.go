package remote

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/alessio/shellescape"
)

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	return shellescape.Quote(s)
}

// Command joins args into a single shell command line, quoting each one.
func Command(args []string) string {
	return shellescape.QuoteCommand(args)
}

// Detach wraps cmd so that it survives the SSH session that started it:
// it runs under nohup in its own session, reads stdin from /dev/null, and
// writes its output to logPath, or discards it when logPath is empty.
func Detach(cmd, dir, logPath string) string {
	out := "/dev/null"
	if logPath != "" {
		out = Quote(logPath)
	}

	var b strings.Builder

	if dir != "" {
		fmt.Fprintf(&b, "cd %s && ", Quote(dir))
	}

	fmt.Fprintf(&b, "nohup setsid %s > %s 2>&1 < /dev/null &", cmd, out)

	return b.String()
}

// KillByPattern force-kills every process whose command line matches
// pattern. It matches by substring against the whole process table and can
// hit unrelated processes that happen to match. The shell running the
// snippet is excluded since its own command line contains the pattern.
func KillByPattern(pattern string) string {
	return fmt.Sprintf(
		"ps aux | grep -e %s | grep -v grep | awk -v self=$$ '$2 != self {print $2}' | xargs -r kill -9",
		Quote(pattern),
	)
}

var globSafe = regexp.MustCompile(`^[A-Za-z0-9_./*?~+-]+$`)

// RemoveAll removes every path. Paths containing glob characters are left
// unquoted so the shell expands them, which is only allowed when the path
// has no other shell metacharacters.
func RemoveAll(paths []string) string {
	if len(paths) == 0 {
		return "true"
	}

	parts := make([]string, 0, len(paths))

	for _, p := range paths {
		parts = append(parts, quoteGlob(p))
	}

	return "rm -rf " + strings.Join(parts, " ")
}

func quoteGlob(p string) string {
	if strings.ContainsAny(p, "*?") && globSafe.MatchString(p) {
		return p
	}

	return Quote(p)
}

// Provision downloads and extracts each archive in urls into dir unless
// every probe file already exists there. strip is passed to tar as
// --strip-components.
func Provision(dir string, probes, urls []string, strip int) string {
	var tests []string

	for _, p := range probes {
		tests = append(tests, "[ -e "+Quote(path.Join(dir, p))+" ]")
	}

	var fetch []string

	fetch = append(fetch, "mkdir -p "+Quote(dir))

	for _, u := range urls {
		archive := path.Join("/tmp", path.Base(u))
		fetch = append(fetch,
			fmt.Sprintf("curl -fsSL -o %s %s", Quote(archive), Quote(u)),
			fmt.Sprintf("tar -xzf %s -C %s --strip-components=%d", Quote(archive), Quote(dir), strip),
			"rm -f "+Quote(archive),
		)
	}

	if len(tests) == 0 {
		return strings.Join(fetch, " && ")
	}

	return fmt.Sprintf("if %s; then true; else %s; fi",
		strings.Join(tests, " && "),
		strings.Join(fetch, " && "),
	)
}
