package models

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

// ============== ChangeType Tests ==============

func TestChangeTypeFlags(t *testing.T) {
	c := ChangeEdit | ChangeRename

	if !c.Has(ChangeEdit) {
		t.Error("Has(ChangeEdit) should be true")
	}
	if !c.Has(ChangeEdit | ChangeRename) {
		t.Error("Has(Edit|Rename) should be true")
	}
	if c.Has(ChangeEdit | ChangeDelete) {
		t.Error("Has(Edit|Delete) should be false")
	}
	if !c.HasAny(ChangeDelete | ChangeRename) {
		t.Error("HasAny(Delete|Rename) should be true")
	}
	if c.Has(ChangeNone) {
		t.Error("Has(ChangeNone) should be false")
	}
	if !ChangeRename.ContainsOnly(ChangeRename) {
		t.Error("ContainsOnly should be true for the same flag")
	}
	if c.ContainsOnly(ChangeRename) {
		t.Error("ContainsOnly(Rename) should be false for Edit|Rename")
	}
	if ChangeNone.ContainsOnly(ChangeRename) {
		t.Error("ContainsOnly should be false for the empty mask")
	}
}

func TestChangeTypeString(t *testing.T) {
	tests := []struct {
		change   ChangeType
		expected string
	}{
		{ChangeNone, "none"},
		{ChangeAdd, "add"},
		{ChangeEdit | ChangeRename, "edit, rename"},
		{ChangeDelete | ChangeUndelete | ChangeEncoding, "delete, undelete, encoding"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.change.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
			parsed, err := ParseChangeType(tt.expected)
			if err != nil {
				t.Fatalf("ParseChangeType(%q) error = %v", tt.expected, err)
			}
			if parsed != tt.change {
				t.Errorf("ParseChangeType(%q) = %v, want %v", tt.expected, parsed, tt.change)
			}
		})
	}

	t.Run("PipeSeparatedMixedCase", func(t *testing.T) {
		parsed, err := ParseChangeType("Edit|Branch")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if parsed != ChangeEdit|ChangeBranch {
			t.Errorf("got %v", parsed)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if _, err := ParseChangeType("edit, lock"); err == nil {
			t.Error("expected error for unknown change type")
		}
	})
}

// ============== Operation Tests ==============

func TestOperationShape(t *testing.T) {
	del := Operation{SourceLocalPath: "/ws/a.txt", Kind: KindFile}
	if !del.IsDelete() || del.IsCreate() {
		t.Error("operation without target should be a delete")
	}
	if del.Path() != "/ws/a.txt" {
		t.Errorf("Path() = %s, want source path", del.Path())
	}

	create := Operation{TargetLocalPath: "/ws/b.txt", Kind: KindFile}
	if !create.IsCreate() || create.IsDelete() {
		t.Error("operation without source should be a create")
	}

	edit := Operation{SourceLocalPath: "/ws/a.txt", TargetLocalPath: "/ws/c.txt", Kind: KindFile}
	if edit.IsCreate() || edit.IsDelete() {
		t.Error("operation with both paths is neither create nor delete")
	}
	if edit.Path() != "/ws/c.txt" {
		t.Errorf("Path() = %s, want target path", edit.Path())
	}
}

func TestOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
		field   string
	}{
		{"Valid", Operation{TargetLocalPath: "/ws/a", Kind: KindFile}, false, ""},
		{"NoPaths", Operation{Kind: KindFile}, true, "Path"},
		{"NoKind", Operation{TargetLocalPath: "/ws/a"}, true, "Kind"},
		{"NegativeVersion", Operation{TargetLocalPath: "/ws/a", Kind: KindFolder, ServerVersion: -1}, true, "Version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %s, want %s", ve.Field, tt.field)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "apply.local_conflict_policy", Message: "unknown policy"}
	if err.Error() != "apply.local_conflict_policy: unknown policy" {
		t.Errorf("Error() = %s", err.Error())
	}
}

// ============== Conflict Tests ==============

func TestParseResolutionType(t *testing.T) {
	for _, s := range []string{"take-theirs", "KEEP-YOURS", "take-theirs-name"} {
		if _, err := ParseResolutionType(s); err != nil {
			t.Errorf("ParseResolutionType(%q) error = %v", s, err)
		}
	}
	if _, err := ParseResolutionType("merge"); err == nil {
		t.Error("expected error for unsupported resolution")
	}
}

func TestNameMergerResolution(t *testing.T) {
	t.Run("ChoseTheirs", func(t *testing.T) {
		r := &NameMergerResolution{TheirName: "$/p/theirs.txt", YourName: "$/p/yours.txt", ResolvedName: "$/p/theirs.txt"}
		if !r.ChoseTheirs() {
			t.Error("ChoseTheirs() should be true")
		}
		r.ResolvedName = "$/p/other.txt"
		if r.ChoseTheirs() {
			t.Error("ChoseTheirs() should be false for a custom name")
		}
	})

	t.Run("FallbackKeepsServerAnswer", func(t *testing.T) {
		r := &NameMergerResolution{ResolvedName: "$/p/theirs.txt", ResolvedLocalPath: "/ws/p/theirs.txt"}
		r.FallbackLocalPath(func(string) string { return "/elsewhere" })
		if r.ResolvedLocalPath != "/ws/p/theirs.txt" {
			t.Errorf("ResolvedLocalPath = %s", r.ResolvedLocalPath)
		}
	})

	t.Run("FallbackUsesChosenName", func(t *testing.T) {
		r := &NameMergerResolution{ResolvedName: "$/p/theirs.txt"}
		r.FallbackLocalPath(func(p string) string { return "/ws/p/theirs.txt" })
		if r.ResolvedLocalPath != "/ws/p/theirs.txt" {
			t.Errorf("ResolvedLocalPath = %s", r.ResolvedLocalPath)
		}
	})
}

// ============== Error Tests ==============

func TestErrorTaxonomy(t *testing.T) {
	t.Run("FilesystemErrorUnwraps", func(t *testing.T) {
		err := error(&FilesystemError{Op: "delete", Path: "/ws/a", Err: os.ErrPermission})
		if !errors.Is(err, os.ErrPermission) {
			t.Error("FilesystemError should unwrap to the cause")
		}
		if err.Error() != "failed to delete '/ws/a': permission denied" {
			t.Errorf("Error() = %s", err.Error())
		}
	})

	t.Run("FolderNotEmpty", func(t *testing.T) {
		err := &FilesystemError{Op: "delete folder", Path: "/ws/dir", Err: ErrFolderNotEmpty}
		if !errors.Is(err, ErrFolderNotEmpty) {
			t.Error("expected ErrFolderNotEmpty")
		}
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		err := &TypeMismatchError{Path: "/ws/a", Expected: KindFile}
		if err.Error() != "expected file at '/ws/a' but found a folder" {
			t.Errorf("Error() = %s", err.Error())
		}
	})

	t.Run("ServerErrorUnwraps", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := fmt.Errorf("get: %w", &ServerError{Op: "get conflicts", Err: cause})
		var se *ServerError
		if !errors.As(err, &se) {
			t.Fatal("expected ServerError in chain")
		}
		if !errors.Is(err, cause) {
			t.Error("ServerError should unwrap to the cause")
		}
	})

	t.Run("UserCancelled", func(t *testing.T) {
		err := fmt.Errorf("merge: %w", &UserCancelledError{Path: "/ws/a", Step: "name merge"})
		if !IsUserCancelled(err) {
			t.Error("IsUserCancelled should see through wrapping")
		}
		if IsUserCancelled(ErrCancelled) {
			t.Error("context cancellation is not a user cancellation")
		}
	})
}

// ============== Report Tests ==============

func TestUpdatedFiles(t *testing.T) {
	files := NewUpdatedFiles()
	if !files.Empty() {
		t.Error("new collection should be empty")
	}

	files.Add(GroupUpdated, "/ws/b", 3)
	files.Add(GroupUpdated, "/ws/a", 3)
	files.Add(GroupRemoved, "/ws/c", 4)

	if files.Count() != 3 {
		t.Errorf("Count() = %d, want 3", files.Count())
	}
	paths := files.Paths(GroupUpdated)
	if len(paths) != 2 || paths[0] != "/ws/a" || paths[1] != "/ws/b" {
		t.Errorf("Paths(updated) = %v", paths)
	}

	other := NewUpdatedFiles()
	other.Add(GroupSkipped, "/ws/d", 0)
	files.Merge(other)
	if len(files.Files(GroupSkipped)) != 1 {
		t.Error("Merge should copy skipped entries")
	}

	var nilFiles *UpdatedFiles
	if nilFiles.Count() != 0 || len(nilFiles.Paths(GroupCreated)) != 0 {
		t.Error("nil collection should behave as empty")
	}
}

func TestStatusExitCode(t *testing.T) {
	tests := []struct {
		status   Status
		expected int
	}{
		{StatusSuccess, 0},
		{StatusPartial, 1},
		{StatusFailed, 2},
		{StatusCancelled, 3},
		{Status("unknown"), 2},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.ExitCode(); got != tt.expected {
				t.Errorf("ExitCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestReportFinish(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		succeeded int
		expected  Status
	}{
		{"NoErrors", nil, 3, StatusSuccess},
		{"SomeFailed", []error{errors.New("x")}, 2, StatusPartial},
		{"AllFailed", []error{errors.New("x")}, 0, StatusFailed},
		{"Cancelled", []error{errors.New("x"), fmt.Errorf("stop: %w", ErrCancelled)}, 1, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Report{Errors: tt.errs}
			r.Finish(tt.succeeded)
			if r.Status != tt.expected {
				t.Errorf("Status = %s, want %s", r.Status, tt.expected)
			}
			if r.EndTime.IsZero() {
				t.Error("EndTime should be set")
			}
		})
	}
}
