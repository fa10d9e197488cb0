package models

import (
	"strings"
	"testing"
)

func TestParseOwnerType(t *testing.T) {
	got, err := ParseOwnerType(" RMA ")
	if err != nil {
		t.Fatalf("parse owner type: %v", err)
	}
	if got != OwnerTypeRma {
		t.Fatalf("expected %q, got %q", OwnerTypeRma, got)
	}

	for _, raw := range []string{"track-trend", "TrackTrend", "track_trend"} {
		got, err := ParseOwnerType(raw)
		if err != nil || got != OwnerTypeTrackTrend {
			t.Fatalf("expected %q for %q, got %q (%v)", OwnerTypeTrackTrend, raw, got, err)
		}
	}

	if _, err := ParseOwnerType(""); err == nil {
		t.Fatal("expected empty owner type error")
	}
	_, err = ParseOwnerType("widget")
	if err == nil || !strings.Contains(err.Error(), "tool, rma, passdown, track_trend") {
		t.Fatalf("expected error listing valid types, got %v", err)
	}
}

func TestParseOwnerRef(t *testing.T) {
	tests := []struct {
		raw     string
		want    OwnerRef
		wantErr bool
	}{
		{raw: "tool#12", want: OwnerRef{Type: OwnerTypeTool, ID: 12}},
		{raw: " passdown:3 ", want: OwnerRef{Type: OwnerTypePassdown, ID: 3}},
		{raw: "track-trend#40", want: OwnerRef{Type: OwnerTypeTrackTrend, ID: 40}},
		{raw: "tool#0", wantErr: true},
		{raw: "tool#-1", wantErr: true},
		{raw: "tool#", wantErr: true},
		{raw: "#5", wantErr: true},
		{raw: "tool", wantErr: true},
		{raw: "widget#5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseOwnerRef(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse owner ref: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseAttachmentKind(t *testing.T) {
	got, err := ParseAttachmentKind(" Picture ")
	if err != nil {
		t.Fatalf("parse kind: %v", err)
	}
	if got != AttachmentKindPicture {
		t.Fatalf("expected %q, got %q", AttachmentKindPicture, got)
	}
	if got.Subdir() != "pictures" || AttachmentKindDocument.Subdir() != "documents" {
		t.Fatal("unexpected kind subdirectories")
	}
	if _, err := ParseAttachmentKind("video"); err == nil {
		t.Fatal("expected invalid kind error")
	}
}

func TestOwnerCollectionHelpers(t *testing.T) {
	owner := &Owner{Type: OwnerTypeTool, ID: 1}
	owner.AddAttachment(Attachment{ID: "at-a", FilePath: "documents/a.pdf"})
	owner.AddAttachment(Attachment{ID: "at-b", FilePath: "pictures/b.png"})
	owner.AddAttachment(Attachment{ID: "at-a", FilePath: "documents/a.pdf"})
	owner.AddAttachment(Attachment{ID: "at-a", FilePath: "documents/a.pdf"})

	if owner.Ref() != (OwnerRef{Type: OwnerTypeTool, ID: 1}) {
		t.Fatalf("unexpected ref %v", owner.Ref())
	}
	if n := owner.CountAttachment("at-a"); n != 3 {
		t.Fatalf("expected 3 entries for at-a, got %d", n)
	}
	if !owner.HasFilePath("pictures/b.png") || owner.HasFilePath("pictures/c.png") {
		t.Fatal("unexpected HasFilePath results")
	}

	if dropped := owner.CollapseAttachment("at-a"); dropped != 2 {
		t.Fatalf("expected 2 duplicates dropped, got %d", dropped)
	}
	if ids := collectionIDs(owner); ids != "at-a,at-b" {
		t.Fatalf("collapse should keep the first entry in place, got %s", ids)
	}

	if removed := owner.RemoveAttachment("at-a"); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if removed := owner.RemoveAttachment("at-missing"); removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}
	if ids := collectionIDs(owner); ids != "at-b" {
		t.Fatalf("unexpected collection %s", ids)
	}
}

func TestAttachmentOwner(t *testing.T) {
	a := Attachment{ID: "at-x", OwnerType: OwnerTypeRma, OwnerID: 9}
	if a.Owner().String() != "rma#9" {
		t.Fatalf("unexpected owner %s", a.Owner())
	}
	if got, _ := ParseOwnerRef(a.Owner().String()); got != a.Owner() {
		t.Fatalf("unexpected owner %s", a.Owner())
	}
}

func collectionIDs(o *Owner) string {
	ids := make([]string, 0, len(o.Attachments))
	for _, a := range o.Attachments {
		ids = append(ids, a.ID)
	}
	return strings.Join(ids, ",")
}
