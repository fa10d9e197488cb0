package store

import (
	"context"
	"testing"
	"time"

	"pcdattach/internal/models"
)

func TestOwnerCreateFindList(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	seedOwner(t, st, models.OwnerTypeTool, 2)
	seedOwner(t, st, models.OwnerTypeTool, 1)
	rma := seedOwner(t, st, models.OwnerTypeRma, 1)

	got, err := st.Owners().FindByID(ctx, rma)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.Ref() != rma || got.Name != "rma seed" {
		t.Fatalf("unexpected owner %#v", got)
	}
	if got.Attachments == nil || len(got.Attachments) != 0 {
		t.Fatalf("expected empty materialized collection, got %#v", got.Attachments)
	}

	missing, err := st.Owners().FindByID(ctx, models.OwnerRef{Type: models.OwnerTypeRma, ID: 99})
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing owner, got %#v err=%v", missing, err)
	}

	tools, err := st.Owners().List(ctx, models.OwnerTypeTool)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 2 || tools[0].ID != 1 || tools[1].ID != 2 {
		t.Fatalf("unexpected tools %#v", tools)
	}
	all, err := st.Owners().List(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 owners, got %d err=%v", len(all), err)
	}

	err = st.Owners().Create(ctx, &models.Owner{Type: models.OwnerTypeRma, ID: 1})
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation for duplicate owner, got %v", err)
	}
	if err := st.Owners().Create(ctx, &models.Owner{Type: models.OwnerTypeRma, ID: 0}); err == nil {
		t.Fatal("expected invalid id error")
	}
}

func TestOwnerSaveKeepsCollectionOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	tool := seedOwner(t, st, models.OwnerTypeTool, 1)

	a := seedAttachment(t, st, "at-ord001", tool, "documents/a.pdf", now)
	b := seedAttachment(t, st, "at-ord002", tool, "documents/b.pdf", now.Add(time.Second))

	owner, err := st.Owners().FindByID(ctx, tool)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	owner.AddAttachment(b)
	owner.AddAttachment(a)
	if err := st.Owners().Save(ctx, owner); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := st.Owners().FindByID(ctx, tool)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Attachments) != 2 || reloaded.Attachments[0].ID != b.ID || reloaded.Attachments[1].ID != a.ID {
		t.Fatalf("expected collection order [b a], got %#v", reloaded.Attachments)
	}

	reloaded.RemoveAttachment(b.ID)
	if err := st.Owners().Save(ctx, reloaded); err != nil {
		t.Fatalf("save after remove: %v", err)
	}
	again, err := st.Owners().FindByID(ctx, tool)
	if err != nil {
		t.Fatalf("reload again: %v", err)
	}
	if len(again.Attachments) != 1 || again.Attachments[0].ID != a.ID {
		t.Fatalf("expected only %s, got %#v", a.ID, again.Attachments)
	}
}

func TestOwnerSaveRejectsUnknownAttachment(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	tool := seedOwner(t, st, models.OwnerTypeTool, 1)

	owner, err := st.Owners().FindByID(ctx, tool)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	owner.AddAttachment(models.Attachment{ID: "at-ghost1"})
	if err := st.Owners().Save(ctx, owner); err == nil {
		t.Fatal("expected foreign key error for unknown attachment")
	}

	reloaded, err := st.Owners().FindByID(ctx, tool)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Attachments) != 0 {
		t.Fatalf("expected failed save to roll back, got %#v", reloaded.Attachments)
	}
}

func TestOwnerDriftQueries(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	tool := seedOwner(t, st, models.OwnerTypeTool, 1)
	rma := seedOwner(t, st, models.OwnerTypeRma, 1)

	// Row owned by rma but collected by tool: stray in tool, missing in rma.
	a := seedAttachment(t, st, "at-drf001", rma, "documents/a.pdf", now)
	// Consistent row.
	b := seedAttachment(t, st, "at-drf002", tool, "documents/b.pdf", now.Add(time.Second))

	for _, ref := range []CollectionRef{{Owner: tool, AttachmentID: a.ID}, {Owner: tool, AttachmentID: b.ID}} {
		if err := st.Owners().AppendReference(ctx, ref); err != nil {
			t.Fatalf("append %v: %v", ref, err)
		}
	}

	stray, err := st.Owners().ListStrayReferences(ctx)
	if err != nil {
		t.Fatalf("stray: %v", err)
	}
	if len(stray) != 1 || stray[0].Owner != tool || stray[0].AttachmentID != a.ID {
		t.Fatalf("unexpected stray refs %#v", stray)
	}

	missing, err := st.Owners().ListMissingReferences(ctx)
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if len(missing) != 1 || missing[0].Owner != rma || missing[0].AttachmentID != a.ID {
		t.Fatalf("unexpected missing refs %#v", missing)
	}

	n, err := st.Owners().RemoveReference(ctx, stray[0])
	if err != nil || n != 1 {
		t.Fatalf("remove reference: n=%d err=%v", n, err)
	}
	if err := st.Owners().AppendReference(ctx, missing[0]); err != nil {
		t.Fatalf("append missing: %v", err)
	}

	stray, _ = st.Owners().ListStrayReferences(ctx)
	missing, _ = st.Owners().ListMissingReferences(ctx)
	if len(stray) != 0 || len(missing) != 0 {
		t.Fatalf("expected repaired collections, stray=%v missing=%v", stray, missing)
	}

	toolOwner, err := st.Owners().FindByID(ctx, tool)
	if err != nil {
		t.Fatalf("find tool: %v", err)
	}
	if len(toolOwner.Attachments) != 1 || toolOwner.Attachments[0].ID != b.ID {
		t.Fatalf("unexpected tool collection %#v", toolOwner.Attachments)
	}
}

func TestOwnerDeleteLeavesRowsBehind(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	rma := seedOwner(t, st, models.OwnerTypeRma, 5)
	a := seedAttachment(t, st, "at-own001", rma, "documents/o.pdf", time.Now().UTC())
	if err := st.Owners().AppendReference(ctx, CollectionRef{Owner: rma, AttachmentID: a.ID}); err != nil {
		t.Fatalf("append: %v", err)
	}

	deleted, err := st.Owners().Delete(ctx, rma)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	exists, err := st.Owners().Exists(ctx, rma)
	if err != nil || exists {
		t.Fatalf("expected owner gone, exists=%v err=%v", exists, err)
	}
	rowExists, err := st.Attachments().Exists(ctx, a.ID)
	if err != nil || !rowExists {
		t.Fatalf("expected attachment row to survive, exists=%v err=%v", rowExists, err)
	}

	deleted, err = st.Owners().Delete(ctx, rma)
	if err != nil || deleted {
		t.Fatalf("second delete: deleted=%v err=%v", deleted, err)
	}
}
