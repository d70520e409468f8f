package cache

import (
	"fmt"
	"testing"
	"time"

	"social/internal/models"
)

func post(id string, at time.Time) *models.Post {
	return &models.Post{ID: id, AuthorID: "a", Content: "c", CreatedAt: at}
}

func msg(id string, at time.Time) *models.Message {
	return &models.Message{ID: id, ChatID: "c1", AuthorID: "a", Body: "m", CreatedAt: at}
}

func ids(v *View) []string {
	var out []string
	for _, e := range v.Items() {
		out = append(out, e.EntityID())
	}
	return out
}

func TestNewestFirstOrdering(t *testing.T) {
	v := New(NewestFirst)
	base := time.Now()
	v.Upsert(post("p2", base.Add(2*time.Second)))
	v.Upsert(post("p1", base.Add(1*time.Second)))
	v.Upsert(post("p3", base.Add(3*time.Second)))
	got := ids(v)
	want := []string{"p3", "p2", "p1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestOldestFirstAppendsAtEnd(t *testing.T) {
	v := New(OldestFirst)
	base := time.Now()
	v.Upsert(msg("m1", base))
	v.Upsert(msg("m2", base.Add(time.Second)))
	v.Upsert(msg("m3", base.Add(2*time.Second)))
	got := ids(v)
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestUpsertNoDuplicates(t *testing.T) {
	v := New(NewestFirst)
	at := time.Now()
	v.Upsert(post("p1", at))
	v.Upsert(post("p1", at))
	if v.Len() != 1 {
		t.Fatalf("len = %d, want 1", v.Len())
	}
}

func TestUpsertReplacesPendingEntry(t *testing.T) {
	v := New(NewestFirst)
	at := time.Now()
	v.UpsertPending(post("p1", at))
	updated := post("p1", at)
	updated.LikesCount = 3
	v.Upsert(updated)
	if v.Len() != 1 {
		t.Fatalf("len = %d, want 1", v.Len())
	}
	got, _ := v.Get("p1")
	if got.(*models.Post).LikesCount != 3 {
		t.Fatalf("entry not replaced")
	}
}

func TestReplacePreservesPending(t *testing.T) {
	v := New(NewestFirst)
	base := time.Now()
	v.Upsert(post("p1", base))
	v.UpsertPending(post("local-1", base.Add(time.Second)))

	v.Replace([]models.Entity{post("p2", base.Add(2*time.Second))})
	got := ids(v)
	want := []string{"p2", "local-1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("replace result = %v, want %v", got, want)
	}
	if _, ok := v.Get("p1"); ok {
		t.Fatalf("non-pending entry survived replace")
	}
}

func TestConfirmSwapsProvisional(t *testing.T) {
	v := New(NewestFirst)
	at := time.Now()
	v.UpsertPending(post("local-1", at))
	v.Confirm("local-1", post("P1", at))
	if v.Len() != 1 {
		t.Fatalf("len = %d, want 1", v.Len())
	}
	if _, ok := v.Get("P1"); !ok {
		t.Fatalf("authoritative record missing")
	}
}

func TestConfirmIdempotent(t *testing.T) {
	v := New(NewestFirst)
	at := time.Now()
	v.UpsertPending(post("local-1", at))
	v.Confirm("local-1", post("P1", at))
	v.Confirm("local-1", post("P1", at))
	v.Upsert(post("P1", at)) // same record again via subscribe event
	if v.Len() != 1 {
		t.Fatalf("len = %d after duplicate reconciliation, want 1", v.Len())
	}
}

func TestOrderingInvariantUnderRandomOps(t *testing.T) {
	v := New(NewestFirst)
	base := time.Now()
	for i := 0; i < 50; i++ {
		v.Upsert(post(fmt.Sprintf("p%02d", i%17), base.Add(time.Duration(i%13)*time.Second)))
		if i%5 == 0 {
			v.Remove(fmt.Sprintf("p%02d", (i+3)%17))
		}
	}
	items := v.Items()
	seen := map[string]bool{}
	for i, e := range items {
		if seen[e.EntityID()] {
			t.Fatalf("duplicate id %s", e.EntityID())
		}
		seen[e.EntityID()] = true
		if i > 0 {
			prev, cur := models.CreatedAt(items[i-1]), models.CreatedAt(e)
			if cur.After(prev) {
				t.Fatalf("ordering violated at %d", i)
			}
		}
	}
}
