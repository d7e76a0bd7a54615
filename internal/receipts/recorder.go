// Package receipts builds, signs, optionally redacts, and persists
// invocation receipts, and derives task timelines from them.
package receipts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	pilot "github.com/routepilot/routepilot/internal"
	"github.com/routepilot/routepilot/internal/storage"
)

// Options configure a Recorder.
type Options struct {
	Secret       string   // HMAC key; never empty in practice (defaults upstream)
	Redact       bool     // scrub payloads before signing
	RedactFields []string // meta keys forced to "[redacted]"
	MirrorDir    string   // non-empty enables the pretty-JSON mirror tree
}

// Recorder writes signed receipts to the ledger. Signatures always cover
// the post-redaction payload, so mirror files and database rows verify
// identically.
type Recorder struct {
	store storage.ReceiptStore
	opts  Options
}

// New returns a Recorder writing through store.
func New(store storage.ReceiptStore, opts Options) *Recorder {
	return &Recorder{store: store, opts: opts}
}

// Write finalizes, signs, and persists the receipt, returning its id.
// Missing id/ts fields are filled in; the receipt is mutated in place so
// the caller sees the signed form. The mirror file, when enabled, is
// flushed before the id is returned.
func (rc *Recorder) Write(ctx context.Context, r *pilot.Receipt) (string, error) {
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}
	if r.TS == "" {
		r.TS = pilot.NowTS(time.Now())
	}
	if r.Reasons == nil {
		r.Reasons = []string{}
	}
	if rc.opts.Redact {
		scrubMeta(r.Meta, rc.opts.RedactFields)
	}

	payload, err := r.PayloadJSON()
	if err != nil {
		return "", fmt.Errorf("receipt payload: %w", err)
	}
	r.Signature = Sign(rc.opts.Secret, payload)

	if err := rc.store.InsertReceipt(ctx, r, payload); err != nil {
		return "", fmt.Errorf("insert receipt: %w", err)
	}

	if rc.opts.MirrorDir != "" {
		if err := rc.mirror(r); err != nil {
			return "", fmt.Errorf("mirror receipt: %w", err)
		}
	}
	return r.ID, nil
}

// Verify reports whether sig matches the HMAC of payload under secret.
func Verify(secret string, payload []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(sig))
}

// Sign returns the hex HMAC-SHA-256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// mirrorEntry is the pretty-JSON shape written to the mirror tree: the
// canonical payload fields plus the signature.
type mirrorEntry struct {
	*pilot.Receipt
	Signature string `json:"signature"`
}

// mirror writes MirrorDir/<day>/<id>.json and syncs it to disk.
func (rc *Recorder) mirror(r *pilot.Receipt) error {
	day := r.TS
	if len(day) >= 10 {
		day = day[:10]
	}
	dir := filepath.Join(rc.opts.MirrorDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(mirrorEntry{Receipt: r, Signature: r.Signature}, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, r.ID+".json")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(pretty, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
