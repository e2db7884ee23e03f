//go:build linux

package dexdump_test

import (
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// buildFakeRuntime compiles testdata/fakedvm into a shared object. The test
// is skipped when no C compiler is available.
func buildFakeRuntime(t *testing.T, outDir string) string {
	t.Helper()

	outputPath := filepath.Join(outDir, "libfakedvm_"+runtime.GOARCH+".so")
	sourcePath := filepath.Join("testdata", "fakedvm", "fakedvm.c")
	args := []string{"-shared", "-fPIC", "-O0", "-o", outputPath, sourcePath}

	var failures []string
	if _, err := exec.LookPath("zig"); err == nil {
		zigArgs := []string{"cc"}
		if target, ok := zigTargetFor(runtime.GOARCH); ok {
			zigArgs = append(zigArgs, "-target", target)
		}
		out, err := exec.Command("zig", append(zigArgs, args...)...).CombinedOutput()
		if err == nil {
			return outputPath
		}
		t.Logf("zig cc failed, retrying with the default compiler: %v\n%s", err, out)
		failures = append(failures, "zig cc")
	}

	for _, cc := range []string{"cc", "gcc", "clang"} {
		if _, err := exec.LookPath(cc); err != nil {
			continue
		}
		out, err := exec.Command(cc, args...).CombinedOutput()
		if err == nil {
			return outputPath
		}
		t.Logf("%s failed: %v\n%s", cc, err, out)
		failures = append(failures, cc)
	}
	t.Skipf("cannot build fake runtime library (tried: %s)", strings.Join(failures, ", "))
	return ""
}

func zigTargetFor(goarch string) (string, bool) {
	switch goarch {
	case "386":
		return "x86-linux-gnu", true
	case "amd64":
		return "x86_64-linux-gnu", true
	case "arm64":
		return "aarch64-linux-gnu", true
	default:
		return "", false
	}
}
