package models

import "testing"

func TestRequestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to RequestStatus
		allowed  bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusError, StatusApproved, true},
		{StatusPending, StatusError, false},
		{StatusApproved, StatusError, false},
		{StatusApproved, StatusPending, false},
		{StatusApproved, StatusApproved, false},
		{StatusError, StatusPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Fatalf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestParseRejectsUnknownValues(t *testing.T) {
	if _, err := ParseRequestStatus("REJECTED"); err == nil {
		t.Fatal("expected error for unknown request status")
	}
	if _, err := ParseUploadStatus("UPLOADING"); err == nil {
		t.Fatal("expected error for unknown upload status")
	}
	if _, err := ParseMessageKind("audio"); err == nil {
		t.Fatal("expected error for unknown message kind")
	}
	if _, err := ParseRole("ADMIN"); err == nil {
		t.Fatal("expected error for unknown role")
	}

	status, err := ParseUploadStatus("VIDEO_UPLOADED")
	if err != nil || status != UploadVideoUploaded {
		t.Fatalf("unexpected parse result %q, %v", status, err)
	}
}

func TestMessageValidate(t *testing.T) {
	ok := Message{ID: "m1", Kind: KindVideoRequest, VideoRequest: &VideoRequest{ID: "r1"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}

	missing := Message{ID: "m2", Kind: KindVideoRequest}
	if err := missing.Validate(); err == nil {
		t.Fatal("expected error when video request payload is missing")
	}

	extra := Message{ID: "m3", Kind: KindText, VideoRequest: &VideoRequest{ID: "r1"}}
	if err := extra.Validate(); err == nil {
		t.Fatal("expected error when text message carries a request")
	}
}

func TestKindForContentType(t *testing.T) {
	tests := map[string]struct {
		kind MessageKind
		ok   bool
	}{
		"image/png":       {KindImage, true},
		"VIDEO/MP4":       {KindVideo, true},
		"application/pdf": {"", false},
		"image/":          {"", false},
		"":                {"", false},
	}

	for ct, want := range tests {
		kind, ok := KindForContentType(ct)
		if kind != want.kind || ok != want.ok {
			t.Fatalf("%q: expected (%q, %v), got (%q, %v)", ct, want.kind, want.ok, kind, ok)
		}
	}
}

func TestChatCounterpartAndClone(t *testing.T) {
	chat := Chat{
		ID:          "c1",
		Creator:     Participant{ID: "u1", Username: "creator"},
		Editor:      Participant{ID: "u2", Username: "editor"},
		LastMessage: &Message{ID: "m1", Kind: KindVideoRequest, VideoRequest: &VideoRequest{ID: "r1", Versions: []string{"v1"}}},
	}

	if got := chat.Counterpart(RoleCreator); got != "editor" {
		t.Fatalf("expected editor name, got %q", got)
	}
	if got := chat.Counterpart(RoleEditor); got != "creator" {
		t.Fatalf("expected creator name, got %q", got)
	}

	clone := chat.Clone()
	clone.LastMessage.VideoRequest.Versions[0] = "changed"
	if chat.LastMessage.VideoRequest.Versions[0] != "v1" {
		t.Fatal("clone shares versions with the original")
	}
}
