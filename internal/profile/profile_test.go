package profile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPathsUnderHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv("CHATSYNC_HOME", base)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join(base, "profiles", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join(base, "profiles", "test", "LOCK")},
		{"index", IndexPath("test"), filepath.Join(base, "profiles", "test", "index.db")},
		{"log", LogPath("test"), filepath.Join(base, "profiles", "test", "logs", "chatsyncd.log")},
		{"env", EnvPath("test"), filepath.Join(base, "profiles", "test", ".env")},
		{"config", ConfigPath(), filepath.Join(base, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s path = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q", got)
	}
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultName)
	}
	if err := config.Save(ConfigPath(), &config.Config{DefaultProfile: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work", got)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv(config.TokenEnv, "tok")

	p := config.DefaultProfile()
	p.ServerURL = "http://localhost"
	if err := config.SaveProfile(ProfilePath("main"), &p); err != nil {
		t.Fatal(err)
	}
	got, err := Load("main")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ServerURL != "http://localhost" || got.Token != "tok" {
		t.Errorf("Load() = %+v", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid single char", "a", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "my/profile", true},
		{"leading hyphen", "-work", true},
		{"leading underscore", "_work", true},
		{"digit first", "2nd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("ValidateName(%q) error = %v, want ErrInvalidName", tt.input, err)
			}
		})
	}
}
