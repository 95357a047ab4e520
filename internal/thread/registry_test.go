package thread

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldline/leadrelay/internal/db"
	"github.com/fieldline/leadrelay/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

func openRegistryTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection so every goroutine sees the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()
	gdb := openRegistryTestDB(t)
	reg, err := NewRegistry(gdb, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg, gdb
}

func TestNormalizeChannel(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"whatsapp", ChannelWhatsApp},
		{"WhatsApp", ChannelWhatsApp},
		{"  WA ", ChannelWhatsApp},
		{"ig", ChannelInstagram},
		{"Messenger", ChannelFacebook},
		{"EMAIL", ChannelEmail},
		{"web", ChannelWebchat},
	}
	for _, tc := range cases {
		got, err := NormalizeChannel(tc.raw)
		if err != nil {
			t.Errorf("NormalizeChannel(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeChannel(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeChannel_Unknown(t *testing.T) {
	if _, err := NormalizeChannel("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestResolveOrCreate_CreatesOnce(t *testing.T) {
	reg, gdb := newTestRegistry(t)
	ctx := context.Background()

	id1, err := reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-1", Channel: "whatsapp"})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	id2, err := reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-1", Channel: "WhatsApp"})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %d vs %d", id1, id2)
	}

	var count int64
	gdb.Model(&models.Conversation{}).Count(&count)
	if count != 1 {
		t.Errorf("conversation count = %d, want 1", count)
	}
}

func TestResolveOrCreate_RequiresContact(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.ResolveOrCreate(context.Background(), ResolveOpts{Channel: "whatsapp"}); err == nil {
		t.Fatal("expected error for missing contact id")
	}
}

func TestResolveOrCreate_DistinctChannels(t *testing.T) {
	reg, gdb := newTestRegistry(t)
	ctx := context.Background()

	idWA, err := reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-1", Channel: "whatsapp"})
	if err != nil {
		t.Fatalf("whatsapp resolve: %v", err)
	}
	idIG, err := reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-1", Channel: "instagram"})
	if err != nil {
		t.Fatalf("instagram resolve: %v", err)
	}
	if idWA == idIG {
		t.Error("expected distinct conversations per channel")
	}

	var count int64
	gdb.Model(&models.Conversation{}).Count(&count)
	if count != 2 {
		t.Errorf("conversation count = %d, want 2", count)
	}
}

func TestResolveOrCreate_Concurrent(t *testing.T) {
	reg, gdb := newTestRegistry(t)
	ctx := context.Background()

	const n = 8
	ids := make([]uint, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-race", Channel: "webchat"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("resolve %d returned id %d, want %d", i, ids[i], ids[0])
		}
	}

	var count int64
	gdb.Model(&models.Conversation{}).Where("contact_id = ?", "c-race").Count(&count)
	if count != 1 {
		t.Errorf("conversation count = %d, want 1", count)
	}
}

func TestResolveOrCreate_ExternalThreadPreferred(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	id1, err := reg.ResolveOrCreate(ctx, ResolveOpts{
		ContactID: "c-1", Channel: "whatsapp", ExternalThreadID: "thr-9",
	})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	lead := uint(7)
	id2, err := reg.ResolveOrCreate(ctx, ResolveOpts{
		ContactID: "c-1", Channel: "whatsapp", ExternalThreadID: "thr-9", LeadID: &lead,
	})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %d vs %d", id1, id2)
	}

	conv, err := reg.Get(ctx, id1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.LeadID == nil || *conv.LeadID != lead {
		t.Errorf("LeadID = %v, want %d", conv.LeadID, lead)
	}
}

func TestResolveOrCreate_LeadNotOverwritten(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first := uint(3)
	id, err := reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-1", Channel: "email", LeadID: &first})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	second := uint(9)
	if _, err := reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-1", Channel: "email", LeadID: &second}); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	conv, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.LeadID == nil || *conv.LeadID != first {
		t.Errorf("LeadID = %v, want original %d", conv.LeadID, first)
	}
}

func TestTouchAndRecord(t *testing.T) {
	reg, gdb := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-1", Channel: "whatsapp"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	at := time.Now()
	if err := reg.RecordInbound(ctx, id, "hi there", "wamid.1", at); err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	if err := reg.RecordOutbound(ctx, id, "hello!", "out.1", at.Add(time.Second)); err != nil {
		t.Fatalf("RecordOutbound: %v", err)
	}

	conv, err := reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.LastInboundAt == nil || conv.LastOutboundAt == nil {
		t.Fatal("expected inbound and outbound timestamps to be set")
	}
	if conv.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", conv.UnreadCount)
	}

	n, err := reg.InboundCount(ctx, id)
	if err != nil {
		t.Fatalf("InboundCount: %v", err)
	}
	if n != 1 {
		t.Errorf("InboundCount = %d, want 1", n)
	}

	var msgs int64
	gdb.Model(&models.ConversationMessage{}).Where("conversation_id = ?", id).Count(&msgs)
	if msgs != 2 {
		t.Errorf("message count = %d, want 2", msgs)
	}
}

func TestKnownFields(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.ResolveOrCreate(ctx, ResolveOpts{ContactID: "c-1", Channel: "whatsapp"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, ok, err := reg.KnownField(ctx, id, "greeting_sent"); err != nil || ok {
		t.Fatalf("KnownField before set: ok=%v err=%v", ok, err)
	}
	if err := reg.SetKnownField(ctx, id, "greeting_sent", true); err != nil {
		t.Fatalf("SetKnownField: %v", err)
	}
	v, ok, err := reg.KnownField(ctx, id, "greeting_sent")
	if err != nil {
		t.Fatalf("KnownField: %v", err)
	}
	if !ok || v != true {
		t.Errorf("KnownField = %v (ok=%v), want true", v, ok)
	}
}
