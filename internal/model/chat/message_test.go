package chat

import (
	"testing"
	"time"
)

func TestMimeTypeFromURL(t *testing.T) {
	cases := map[string]string{
		"http://host/uploads/a.PNG":         "image/png",
		"http://host/uploads/report.pdf?x=1": "application/pdf",
		"http://host/uploads/archive.tar.xz": "",
		"http://host/uploads/noext":          "",
		"":                                   "",
	}
	for url, want := range cases {
		if got := MimeTypeFromURL(url); got != want {
			t.Fatalf("MimeTypeFromURL(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestFromStoredPutsAttachmentFirst(t *testing.T) {
	msg := FromStored(StoredMessage{
		ID:        42,
		Role:      RoleUser,
		Content:   "look at this",
		FileURL:   "http://host/uploads/cat.png",
		MimeType:  "image/png",
		CreatedAt: time.Unix(10, 0),
	})

	if msg.ID != "42" {
		t.Fatalf("unexpected id %q", msg.ID)
	}
	if msg.Status != StatusComplete {
		t.Fatalf("expected complete status, got %q", msg.Status)
	}
	if len(msg.Content) != 2 || msg.Content[0].Type != PartImage || msg.Content[1].Type != PartText {
		t.Fatalf("unexpected content layout: %+v", msg.Content)
	}
	if msg.Text() != "look at this" {
		t.Fatalf("unexpected text %q", msg.Text())
	}
}

func TestFromStoredNeverEmpty(t *testing.T) {
	msg := FromStored(StoredMessage{ID: 1, Role: RoleAssistant})
	if len(msg.Content) != 1 || msg.Content[0].Type != PartText {
		t.Fatalf("expected a single empty text part, got %+v", msg.Content)
	}
}

func TestAttachmentPartNamesFiles(t *testing.T) {
	part := AttachmentPart(Attachment{URL: "http://host/uploads/report.pdf", MimeType: "application/pdf"})
	if part.Type != PartFile || part.Name != "report.pdf" {
		t.Fatalf("unexpected part %+v", part)
	}
}

func TestTitleFromContent(t *testing.T) {
	if got := TitleFromContent("short"); got != "short" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := TitleFromContent("这是一个非常非常长的问题需要被截断才能作为标题使用"); got != "这是一个非常非常长的问题需要被截断才能作..." {
		t.Fatalf("unexpected title %q", got)
	}
}

func TestTemporaryIDs(t *testing.T) {
	id := NewTempID()
	if !IsTemporaryID(id) {
		t.Fatalf("expected %q to be temporary", id)
	}
	if IsTemporaryID("17") {
		t.Fatal("server id reported as temporary")
	}
}
