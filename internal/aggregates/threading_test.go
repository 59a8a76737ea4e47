package aggregates

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func note(tags nostr.Tags) *nostr.Event {
	return &nostr.Event{Kind: 1, Tags: tags}
}

func TestParseThreadInfoRejectsNonThreadable(t *testing.T) {
	ev := &nostr.Event{Kind: 7}
	if _, err := ParseThreadInfo(ev); err == nil {
		t.Error("expected error for non-threadable kind")
	}

	article := &nostr.Event{Kind: 30023}
	if _, err := ParseThreadInfo(article); err != nil {
		t.Errorf("long-form articles are threadable: %v", err)
	}
}

func TestParseThreadInfoRootPost(t *testing.T) {
	info, err := ParseThreadInfo(note(nostr.Tags{{"p", "somebody"}}))
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsRoot() || info.IsReply() {
		t.Errorf("expected a root post, got %+v", info)
	}
	if info.GetRootOrSelf("self") != "self" {
		t.Error("a root's thread root is itself")
	}
}

func TestParseThreadInfoMarkedFormat(t *testing.T) {
	tests := []struct {
		name         string
		tags         nostr.Tags
		wantRoot     string
		wantReply    string
		wantMentions int
	}{
		{
			name: "full marked reply",
			tags: nostr.Tags{
				{"e", "root-id", "", "root"},
				{"e", "parent-id", "", "reply"},
				{"e", "other-id", "", "mention"},
			},
			wantRoot:     "root-id",
			wantReply:    "parent-id",
			wantMentions: 1,
		},
		{
			name:      "reply without explicit root",
			tags:      nostr.Tags{{"e", "parent-id", "", "reply"}},
			wantRoot:  "parent-id",
			wantReply: "parent-id",
		},
		{
			name:      "root marker only is a direct reply to the root",
			tags:      nostr.Tags{{"e", "root-id", "", "root"}},
			wantRoot:  "root-id",
			wantReply: "root-id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseThreadInfo(note(tt.tags))
			if err != nil {
				t.Fatal(err)
			}
			if info.RootEventID != tt.wantRoot {
				t.Errorf("root = %q, want %q", info.RootEventID, tt.wantRoot)
			}
			if info.ReplyToID != tt.wantReply {
				t.Errorf("reply = %q, want %q", info.ReplyToID, tt.wantReply)
			}
			if len(info.MentionedIDs) != tt.wantMentions {
				t.Errorf("mentions = %d, want %d", len(info.MentionedIDs), tt.wantMentions)
			}
		})
	}
}

func TestParseThreadInfoPositionalFormat(t *testing.T) {
	tests := []struct {
		name         string
		tags         nostr.Tags
		wantRoot     string
		wantReply    string
		wantMentions []string
	}{
		{
			name:      "single tag replies to the root",
			tags:      nostr.Tags{{"e", "root-id"}},
			wantRoot:  "root-id",
			wantReply: "root-id",
		},
		{
			name:      "two tags are root then reply",
			tags:      nostr.Tags{{"e", "root-id"}, {"e", "parent-id"}},
			wantRoot:  "root-id",
			wantReply: "parent-id",
		},
		{
			name: "many tags put mentions in the middle",
			tags: nostr.Tags{
				{"e", "root-id"}, {"e", "m1"}, {"e", "m2"}, {"e", "parent-id"},
			},
			wantRoot:     "root-id",
			wantReply:    "parent-id",
			wantMentions: []string{"m1", "m2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseThreadInfo(note(tt.tags))
			if err != nil {
				t.Fatal(err)
			}
			if info.RootEventID != tt.wantRoot || info.ReplyToID != tt.wantReply {
				t.Errorf("got root=%q reply=%q", info.RootEventID, info.ReplyToID)
			}
			if len(info.MentionedIDs) != len(tt.wantMentions) {
				t.Fatalf("mentions = %v, want %v", info.MentionedIDs, tt.wantMentions)
			}
			for i, want := range tt.wantMentions {
				if info.MentionedIDs[i] != want {
					t.Errorf("mention %d = %q, want %q", i, info.MentionedIDs[i], want)
				}
			}
		})
	}
}

func TestMarkedBeatsPositional(t *testing.T) {
	// A mix of marked and unmarked tags goes through the marked parser,
	// where unmarked tags count as mentions.
	info, err := ParseThreadInfo(note(nostr.Tags{
		{"e", "unmarked-id"},
		{"e", "root-id", "", "root"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if info.RootEventID != "root-id" {
		t.Errorf("expected marked root to win, got %q", info.RootEventID)
	}
	if len(info.MentionedIDs) != 1 || info.MentionedIDs[0] != "unmarked-id" {
		t.Errorf("expected unmarked tag as mention, got %v", info.MentionedIDs)
	}
}

func TestExtractMentionedPubkeys(t *testing.T) {
	ev := note(nostr.Tags{
		{"p", "pk1"},
		{"e", "ev1"},
		{"p", "pk2"},
		{"p"}, // malformed, skipped
	})

	got := ExtractMentionedPubkeys(ev)
	if len(got) != 2 || got[0] != "pk1" || got[1] != "pk2" {
		t.Errorf("unexpected pubkeys: %v", got)
	}

	if !IsMentioningPubkey(ev, "pk2") {
		t.Error("expected pk2 mentioned")
	}
	if IsMentioningPubkey(ev, "pk3") {
		t.Error("pk3 is not mentioned")
	}
}
