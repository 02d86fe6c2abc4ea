package filestream

import (
	"context"
	"testing"

	"github.com/fastport-dev/fastport-broker/internal/protocol"
	"github.com/fastport-dev/fastport-broker/internal/registry"
	"github.com/fastport-dev/fastport-broker/internal/storage"
	"github.com/fastport-dev/fastport-broker/internal/subscriber"
)

type fakeConn struct {
	id   string
	sent [][]byte
}

func (f *fakeConn) ID() string { return f.id }
func (f *fakeConn) Send(frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}

type fakeUploads struct {
	table map[string]string
}

func newFakeUploads() *fakeUploads { return &fakeUploads{table: make(map[string]string)} }

func (u *fakeUploads) TrackUpload(fileID, topic string) { u.table[fileID] = topic }
func (u *fakeUploads) TopicForUpload(fileID string) (string, bool) {
	t, ok := u.table[fileID]
	return t, ok
}
func (u *fakeUploads) UntrackUpload(fileID string) { delete(u.table, fileID) }

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *subscriber.Index) {
	t.Helper()
	store := storage.NewMemStore()
	reg := registry.New(store)
	index := subscriber.New()
	return New(reg, index), reg, index
}

func TestInitFileForwardsAndTracksUpload(t *testing.T) {
	ctx := context.Background()
	r, reg, index := newTestRouter(t)
	if _, err := reg.CreateSession(ctx, "s1", "pw", registry.CreateOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sender := &fakeConn{id: "sender"}
	sub := &fakeConn{id: "sub"}
	index.Subscribe("s1", "t", sender)
	index.Subscribe("s1", "t", sub)

	uploads := newFakeUploads()
	fileID := "01234567-89ab-cdef-0123-456789abcdef"
	err := r.InitFile(ctx, "s1", sender, uploads, protocol.InitFile{Type: protocol.TypeInitFile, Topic: "t", FileID: fileID, FileName: "f.bin", TotalChunks: 2})
	if err != nil {
		t.Fatalf("InitFile: %v", err)
	}

	if len(sub.sent) != 1 {
		t.Fatalf("subscriber received %d frames, want 1", len(sub.sent))
	}
	if len(sender.sent) != 0 {
		t.Fatal("sender should not receive its own init_file")
	}
	if topic, ok := uploads.TopicForUpload(fileID); !ok || topic != "t" {
		t.Fatalf("upload table = %v, want fileId bound to topic t", uploads.table)
	}
}

func TestInitFileRejectsSuspendedSession(t *testing.T) {
	ctx := context.Background()
	r, reg, _ := newTestRouter(t)
	created, err := reg.CreateSession(ctx, "s1", "pw", registry.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := reg.SuspendSession(ctx, "s1", "pw", created.SecretKey, true); err != nil {
		t.Fatalf("SuspendSession: %v", err)
	}

	err = r.InitFile(ctx, "s1", &fakeConn{id: "sender"}, newFakeUploads(), protocol.InitFile{Topic: "t", FileID: "f1"})
	if err != ErrUnavailable {
		t.Fatalf("InitFile err = %v, want ErrUnavailable", err)
	}
}

func TestChunkForwardsVerbatimToKnownUpload(t *testing.T) {
	r, _, index := newTestRouter(t)
	sender := &fakeConn{id: "sender"}
	sub := &fakeConn{id: "sub"}
	index.Subscribe("s1", "t", sender)
	index.Subscribe("s1", "t", sub)

	uploads := newFakeUploads()
	fileID := "01234567-89ab-cdef-0123-456789abcdef"
	uploads.TrackUpload(fileID, "t")

	frame := protocol.EncodeChunk(protocol.Chunk{FileID: fileID, ChunkIndex: 0, Payload: []byte("data")})
	r.Chunk("s1", sender, uploads, frame)

	if len(sub.sent) != 1 || string(sub.sent[0]) != string(frame) {
		t.Fatalf("subscriber frame mismatch: got %v, want verbatim %v", sub.sent, frame)
	}
}

func TestChunkDroppedForUnknownFileID(t *testing.T) {
	r, _, index := newTestRouter(t)
	sender := &fakeConn{id: "sender"}
	sub := &fakeConn{id: "sub"}
	index.Subscribe("s1", "t", sender)
	index.Subscribe("s1", "t", sub)

	frame := protocol.EncodeChunk(protocol.Chunk{FileID: "01234567-89ab-cdef-0123-456789abcdef", ChunkIndex: 0, Payload: []byte("data")})
	r.Chunk("s1", sender, newFakeUploads(), frame)

	if len(sub.sent) != 0 {
		t.Fatal("expected chunk for untracked fileId to be dropped silently")
	}
}

func TestEndFileForwardsAndUntracks(t *testing.T) {
	r, _, index := newTestRouter(t)
	sender := &fakeConn{id: "sender"}
	sub := &fakeConn{id: "sub"}
	index.Subscribe("s1", "t", sender)
	index.Subscribe("s1", "t", sub)

	uploads := newFakeUploads()
	fileID := "01234567-89ab-cdef-0123-456789abcdef"
	uploads.TrackUpload(fileID, "t")

	if err := r.EndFile("s1", sender, uploads, protocol.EndFile{Type: protocol.TypeEndFile, Topic: "t", FileID: fileID}); err != nil {
		t.Fatalf("EndFile: %v", err)
	}

	if len(sub.sent) != 1 {
		t.Fatalf("subscriber received %d frames, want 1", len(sub.sent))
	}
	if _, ok := uploads.TopicForUpload(fileID); ok {
		t.Fatal("expected upload mapping removed after end_file")
	}
}
