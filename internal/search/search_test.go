package search

import (
	"testing"
	"time"

	"github.com/Ap3pp3rs94/emaildb/internal/blockfile"
	"github.com/Ap3pp3rs94/emaildb/internal/blockstore"
	"github.com/Ap3pp3rs94/emaildb/internal/clock"
	"github.com/Ap3pp3rs94/emaildb/internal/emailmodel"
	"github.com/Ap3pp3rs94/emaildb/internal/indexstore"
	"github.com/Ap3pp3rs94/emaildb/internal/payloadcodec"
)

func TestTokenizeDropsStopWordsAndShortTokens(t *testing.T) {
	got := Tokenize("The Quick Brown Fox is a Café")
	want := map[string]bool{"quick": true, "brown": true, "fox": true, "café": true}
	if len(got) != len(want) {
		t.Fatalf("unexpected token set: %v", got)
	}
	for _, tok := range got {
		if !want[tok] {
			t.Fatalf("unexpected token %q in %v", tok, got)
		}
	}
}

func TestQueryRanksAndAssemblesPreviews(t *testing.T) {
	dir := t.TempDir()
	bf, _, err := blockfile.Open(dir + "/search.emdb")
	if err != nil {
		t.Fatalf("open blockfile: %v", err)
	}
	defer bf.Close()
	clk := clock.NewFixed(time.Unix(0, 0))
	bs := blockstore.Open(bf, payloadcodec.New(), nil, clk, 1<<20)
	idx := indexstore.New()

	id1 := emailmodel.CompoundID{BlockID: 1, LocalID: 0}
	id2 := emailmodel.CompoundID{BlockID: 2, LocalID: 0}
	envBlockID, _, err := blockstore.WriteSelfReferential(bs,
		blockstore.WriteOptions{Type: blockfile.TypeFolderEnvelope, Encoding: blockfile.EncodingJSON},
		func(int64) emailmodel.FolderEnvelopeContent {
			return emailmodel.FolderEnvelopeContent{
				FolderPath: "/Inbox",
				Version:    1,
				Envelopes: []emailmodel.EmailEnvelope{
					{CompoundID: id1, MessageID: "<a@x>", Subject: "project update"},
					{CompoundID: id2, MessageID: "<b@x>", Subject: "project cancelled"},
				},
			}
		})
	if err != nil {
		t.Fatalf("write envelope block: %v", err)
	}

	idx.IndexEmail("<a@x>", "env-a", "content-a", id1, envBlockID, Tokenize("project update"))
	idx.IndexEmail("<b@x>", "env-b", "content-b", id2, envBlockID, Tokenize("project cancelled"))

	eng := New(idx, bs, nil)
	hits, err := eng.Query("project update", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected both project emails to match, got %d", len(hits))
	}
	if hits[0].CompoundID != id1 {
		t.Fatalf("expected the exact two-term match to rank first, got %+v", hits[0])
	}
	if hits[0].Envelope.Subject != "project update" {
		t.Fatalf("expected preview to carry the envelope subject, got %q", hits[0].Envelope.Subject)
	}
}
