package version

import (
	"strings"
	"testing"
)

func TestGetUsesInjectedCommit(t *testing.T) {
	old := GitCommit
	t.Cleanup(func() { GitCommit = old })

	GitCommit = "abc1234"
	info := Get()
	if info.GitCommit != "abc1234" || info.Version != Version {
		t.Errorf("Get() = %+v", info)
	}
	if !strings.Contains(info.Platform, "/") {
		t.Errorf("Platform = %q", info.Platform)
	}
	if got := String(); got != "camfeed "+Version+" (abc1234)" {
		t.Errorf("String() = %q", got)
	}
}

func TestCommitFallback(t *testing.T) {
	old := GitCommit
	t.Cleanup(func() { GitCommit = old })

	GitCommit = ""
	if commit() == "" {
		t.Error("commit() returned empty string")
	}
}
