package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConvertStrToInt(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0x1000", 0x1000, false},
		{"0X1F", 0x1f, false},
		{"ff", 0xff, false},
		{"4096", 4096, false},
		{"zz", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ConvertStrToInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConvertStrToInt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ConvertStrToInt() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestSha256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Sha256(path)
	if err != nil {
		t.Fatalf("Sha256() error = %v", err)
	}
	if want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"; got != want {
		t.Errorf("Sha256() = %s, want %s", got, want)
	}
}
