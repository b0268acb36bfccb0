package manifest

import (
	"errors"
	"strings"
	"testing"
)

func TestParseValidManifest(t *testing.T) {
	raw := []byte(`{"phone_id":"p1","phone_name":"Pixel","image_filename":"pixel.png","folders_to_backup":[{"source":"/sdcard/DCIM","destination":"photos"}]}`)
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if m.PhoneName != "Pixel" || m.ImageFilename != "pixel.png" {
		t.Fatalf("unexpected manifest: %#v", m)
	}
	if len(m.Folders) != 1 || m.Folders[0].Destination != "photos" {
		t.Fatalf("unexpected folders: %#v", m.Folders)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Parse([]byte("   ")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty payload, got %v", err)
	}
}

func TestValidateRequiresIdentity(t *testing.T) {
	cases := []Manifest{
		{PhoneName: "Pixel"},
		{PhoneID: "p1"},
		{PhoneID: "  ", PhoneName: "Pixel"},
	}
	for _, m := range cases {
		if err := m.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %#v, got %v", m, err)
		}
	}
}

func TestNewAndEncode(t *testing.T) {
	m := New(" Pixel ", "pixel.png", nil)
	if m.PhoneID == "" {
		t.Fatal("expected generated phone_id")
	}
	if m.PhoneName != "Pixel" || m.BackupLocation != DefaultBackupLocation {
		t.Fatalf("unexpected manifest: %#v", m)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.Contains(string(data), "\n    \"phone_name\": \"Pixel\"") {
		t.Fatalf("expected 4-space indent, got %s", data)
	}
	if !strings.Contains(string(data), `"folders_to_backup": []`) {
		t.Fatalf("expected empty folder list, got %s", data)
	}
}
