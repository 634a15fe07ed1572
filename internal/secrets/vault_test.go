package secrets_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roundtable-chat/roundtable/internal/secrets"
)

func TestNewVault_LoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("permission denied")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVault_ReloadSwapsValues(t *testing.T) {
	calls := 0
	v, err := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls == 1 {
			return map[string]string{"TOKEN": "old"}, nil
		}
		return map[string]string{"TOKEN": "new"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	get := v.Getter("TOKEN")
	if got := get(); got != "old" {
		t.Fatalf("expected 'old', got %q", got)
	}
	if err := v.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := get(); got != "new" {
		t.Fatalf("expected 'new' after reload, got %q", got)
	}
}

func TestVault_ReloadErrorPreservesValues(t *testing.T) {
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls == 1 {
			return map[string]string{"KEY": "original"}, nil
		}
		return nil, errors.New("file vanished")
	})
	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get("KEY"); got != "original" {
		t.Fatalf("expected 'original' after failed reload, got %q", got)
	}
}

func TestVault_ConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"K": "V"}, nil
	})
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Get("K")
		}()
		go func() {
			defer wg.Done()
			_ = v.Reload()
		}()
	}
	wg.Wait()
}

func TestVault_Redacted(t *testing.T) {
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"LONG": "sk-abcdef123456", "SHORT": "ab"}, nil
	})
	tests := []struct{ key, want string }{
		{"LONG", "sk****"},
		{"SHORT", "****"},
		{"MISSING", ""},
	}
	for _, tt := range tests {
		if got := v.Redacted(tt.key); got != tt.want {
			t.Errorf("Redacted(%s) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestFileLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "litellm.env")
	content := "# rotated nightly\n\nLITELLM_MASTER_KEY=\"sk-one\"\nOTHER = plain \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	v, err := secrets.NewVault(secrets.FileLoader(path))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if got := v.Get("LITELLM_MASTER_KEY"); got != "sk-one" {
		t.Errorf("master key = %q", got)
	}
	if got := v.Get("OTHER"); got != "plain" {
		t.Errorf("other = %q", got)
	}

	if err := os.WriteFile(path, []byte("LITELLM_MASTER_KEY=sk-two\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := v.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := v.Get("LITELLM_MASTER_KEY"); got != "sk-two" {
		t.Errorf("master key after reload = %q", got)
	}
}

func TestFileLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := secrets.FileLoader(filepath.Join(dir, "missing"))(); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.env")
	if err := os.WriteFile(bad, []byte("no equals sign\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := secrets.FileLoader(bad)(); err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestFallbackFillsMissingKeys(t *testing.T) {
	loader := secrets.Fallback(func() (map[string]string, error) {
		return map[string]string{"A": "file"}, nil
	}, map[string]string{"A": "default-a", "B": "default-b", "C": ""})
	vals, err := loader()
	if err != nil {
		t.Fatal(err)
	}
	if vals["A"] != "file" || vals["B"] != "default-b" {
		t.Errorf("unexpected values: %v", vals)
	}
	if _, ok := vals["C"]; ok {
		t.Error("empty default should not be set")
	}
}
