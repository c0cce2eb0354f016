package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := NewError(KindDataCloneFailed, "clone table wp_options", errors.New("disk full"))
	wrapped := fmt.Errorf("create clone: %w", base)

	if got := KindOf(wrapped); got != KindDataCloneFailed {
		t.Errorf("KindOf: got %q", got)
	}
	if !IsSandboxCreate(wrapped) {
		t.Error("data clone failure should be a sandbox create failure")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors have no kind")
	}
	if base.Error() != "clone table wp_options: disk full" {
		t.Errorf("Error(): got %q", base.Error())
	}
}

func TestIsSandboxCreate(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindDirectoryCreateFailed, true},
		{KindDataCloneFailed, true},
		{KindFileCopyFailed, true},
		{KindSessionNotFound, false},
		{KindCanceled, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			if got := IsSandboxCreate(NewError(tc.kind, "op", nil)); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if ScanStatusQueued.IsTerminal() || ScanStatusRunning.IsTerminal() {
		t.Error("queued and running are not terminal")
	}
	if !ScanStatusCompleted.IsTerminal() || !ScanStatusFailed.IsTerminal() {
		t.Error("completed and failed are terminal")
	}
	if p := DefaultProgress(ScanStatusCompleted); p.Percent != 100 {
		t.Errorf("completed progress percent: got %d", p.Percent)
	}
}
