package snapshot

// Snapshot files are a sequence of framed messages:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// A file holds one MsgSnapshot followed by MsgEnd.

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"
	"time"

	"github.com/bobuhiro11/golwk/lwk"
	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
)

type MsgType uint32

const (
	MsgSnapshot MsgType = 1 // gob-encoded Snapshot
	MsgEnd      MsgType = 2
)

const (
	lockRetryInterval = 50 * time.Millisecond

	// MaxPayload bounds the payload length a Receiver accepts.
	MaxPayload = 64 << 20
)

var (
	errPayloadTooLarge = errors.New("payload too large")
	errUnexpectedMsg   = errors.New("unexpected message")
	errMissingEnd      = errors.New("snapshot file not terminated")
)

// Sender writes framed messages.
type Sender struct {
	w io.Writer
}

func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return errors.Wrap(err, "send header")
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return errors.Wrap(err, "send payload")
		}
	}

	return nil
}

// SendSnapshot encodes snap with gob and sends it as a MsgSnapshot.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return errors.Wrap(err, "encode snapshot")
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

func (s *Sender) SendEnd() error { return s.send(MsgEnd, nil) }

// Receiver reads framed messages.
type Receiver struct {
	r     io.Reader
	limit uint64
}

func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r, limit: MaxPayload} }

// NewLimitedReceiver accepts payloads of at most limit bytes.
func NewLimitedReceiver(r io.Reader, limit uint64) *Receiver {
	return &Receiver{r: r, limit: min(limit, MaxPayload)}
}

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, errors.Wrap(err, "read header")
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > r.limit {
		return 0, nil, errors.Wrapf(lwk.ErrInvalidArgument, "%v: type=%d len=%d limit=%d",
			errPayloadTooLarge, t, length, r.limit)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, errors.Wrapf(err, "read payload (type=%d len=%d)", t, length)
	}

	return t, payload, nil
}

// DecodeSnapshot decodes a gob-encoded Snapshot from payload bytes.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(snap); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}

	return snap, nil
}

func lockPath(path string) string {
	return path + ".lock"
}

// Save writes snap to path while holding the exclusive file lock.
func Save(ctx context.Context, path string, snap *Snapshot) error {
	fl := flock.New(lockPath(path))

	if _, err := fl.TryLockContext(ctx, lockRetryInterval); err != nil {
		return lwk.Mark(err, lwk.ErrBusy, "lock "+fl.Path())
	}
	defer fl.Close()

	f, err := os.Create(path)
	if err != nil {
		return lwk.Mark(err, lwk.ErrPermissionDenied, "create snapshot")
	}

	s := NewSender(f)

	if err := s.SendSnapshot(snap); err != nil {
		f.Close()

		return err
	}

	if err := s.SendEnd(); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

// Load reads the snapshot at path while holding the shared file lock.
func Load(ctx context.Context, path string) (*Snapshot, error) {
	fl := flock.New(lockPath(path))

	if _, err := fl.TryRLockContext(ctx, lockRetryInterval); err != nil {
		return nil, lwk.Mark(err, lwk.ErrBusy, "lock "+fl.Path())
	}
	defer fl.Close()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, lwk.Mark(err, lwk.ErrNotFound, "open snapshot")
		}

		return nil, lwk.Mark(err, lwk.ErrPermissionDenied, "open snapshot")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, lwk.Mark(err, lwk.ErrPermissionDenied, "stat snapshot")
	}

	r := NewLimitedReceiver(f, uint64(st.Size()))

	t, payload, err := r.Next()
	if err != nil {
		return nil, lwk.Mark(err, lwk.ErrInvalidArgument, path)
	}

	if t != MsgSnapshot {
		return nil, errors.Wrapf(lwk.ErrInvalidArgument, "%s: %v: type %d", path, errUnexpectedMsg, t)
	}

	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return nil, lwk.Mark(err, lwk.ErrInvalidArgument, path)
	}

	if t, _, err := r.Next(); err != nil || t != MsgEnd {
		return nil, lwk.Mark(errMissingEnd, lwk.ErrInvalidArgument, path)
	}

	return snap, nil
}
