package connector

import (
	"fmt"
	"strings"

	xpmerrors "github.com/experimaestro/xpm/common/errors"
)

// RunScriptPerm is rwxr-x---.
const RunScriptPerm = 0750

// Quote single-quotes s for bash.
func Quote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// RunScript generates the bash script executed for spec. The script exits
// with LockMissingExitCode when a lock file vanished, removes the start lock
// once running, and always removes the job lock on exit. It writes the exit
// code file and, on success, the done file.
func RunScript(spec *ProcessSpec) string {
	f := spec.Files
	var b strings.Builder
	w := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	w("#!/bin/bash")
	w("# Run script for %s", spec.Locator)
	w("set -o pipefail")
	w("")
	w("cleanup() {")
	w("  rm -f %s", Quote(f.Lock))
	w("}")
	w("trap cleanup EXIT")
	w("")
	for _, kv := range spec.Env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		w("export %s=%s", parts[0], Quote(parts[1]))
	}
	w("cd %s || exit 1", Quote(spec.WorkDir))
	w("")
	for _, lock := range append([]string{f.Lock}, spec.Locks...) {
		w("test -f %s || exit %d", Quote(lock), xpmerrors.LockMissingExitCode)
	}
	w("rm -f %s", Quote(f.StartLock))
	w("echo $$ > %s", Quote(f.Pid))
	w("")

	in := "/dev/null"
	if f.Input != "" {
		in = f.Input
	}
	w("(")
	w("  set -e")
	for _, cmd := range spec.Commands {
		w("  %s", quoteArgs(cmd))
	}
	w(") < %s > %s 2> %s", Quote(in), Quote(f.Out), Quote(f.Err))
	w("code=$?")
	w("echo $code > %s", Quote(f.Code))
	w("if test $code -eq 0; then")
	w("  touch %s", Quote(f.Done))
	w("fi")
	if spec.NotificationURL != "" {
		w("curl -s -X POST --retry 3 %s > /dev/null 2>&1 || true", Quote(spec.NotificationURL))
	}
	w("exit $code")
	return b.String()
}
