// Package localfs provides filesystem-backed Delete, Transfer and Archive
// executors rooted at one directory.
//
// Payload references are paths relative to the root. Archives are written
// to <root>/archive/<owner>/<asset>.zst and transfers to
// <root>/outbox/<recipient>/<asset>/ together with a manifest.json.
package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/deadhand/internal/executor"
	"github.com/fentz26/deadhand/internal/models"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrMissingPayload   = errors.New("missing payload")
	ErrInvalidRecipient = errors.New("invalid recipient address")
)

type base struct {
	root string
}

// payloadPath resolves the asset's payload inside root. References cannot
// climb out of root.
func (b base) payloadPath(asset models.Asset) (string, error) {
	ref := asset.PayloadRef
	if ref == "" && asset.File != nil {
		ref = asset.File.StoragePath
	}
	if ref == "" {
		return "", executor.Terminal(ErrMissingPayload)
	}
	return filepath.Join(b.root, filepath.Clean("/"+ref)), nil
}

// classify maps filesystem errors onto the execution error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return executor.Terminal(fmt.Errorf("%s: %w: %v", op, ErrMissingPayload, err))
	}
	return executor.Retryable(fmt.Errorf("%s: %w", op, err))
}

// Delete removes the payload file.
type Delete struct{ base }

// NewDelete creates a Delete executor.
func NewDelete(root string) *Delete { return &Delete{base{root: root}} }

func (d *Delete) Name() string          { return "localfs.delete" }
func (d *Delete) Action() models.Action { return models.ActionDelete }

// Execute removes the payload of asset. A payload that is already gone
// counts as deleted, so a retry after a lost outcome succeeds.
func (d *Delete) Execute(ctx context.Context, asset models.Asset, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return executor.Retryable(err)
	}
	path, err := d.payloadPath(asset)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return classify("delete", err)
}

// Archive writes a zstd-compressed copy of the payload.
type Archive struct{ base }

// NewArchive creates an Archive executor.
func NewArchive(root string) *Archive { return &Archive{base{root: root}} }

func (a *Archive) Name() string          { return "localfs.archive" }
func (a *Archive) Action() models.Action { return models.ActionArchive }

// ArchivePath returns where the archive of asset is written.
func (a *Archive) ArchivePath(ownerID, assetID string) string {
	return filepath.Join(a.root, "archive", safeName(ownerID), safeName(assetID)+".zst")
}

// Execute compresses the payload of asset into the archive directory.
func (a *Archive) Execute(ctx context.Context, asset models.Asset, ownerID string) error {
	src, err := a.payloadPath(asset)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return classify("open payload", err)
	}
	defer in.Close()

	dst := a.ArchivePath(ownerID, asset.ID)
	err = writeAtomic(dst, func(w io.Writer) error {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if _, err := io.Copy(enc, ctxReader{ctx: ctx, r: in}); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	})
	return classify("archive", err)
}

// Transfer copies the payload into the recipient's outbox.
type Transfer struct{ base }

// NewTransfer creates a Transfer executor.
func NewTransfer(root string) *Transfer { return &Transfer{base{root: root}} }

func (t *Transfer) Name() string          { return "localfs.transfer" }
func (t *Transfer) Action() models.Action { return models.ActionTransfer }

// Manifest describes one delivered transfer.
type Manifest struct {
	AssetID      string    `json:"asset_id"`
	OwnerID      string    `json:"owner_id"`
	PlatformName string    `json:"platform_name"`
	Recipient    string    `json:"recipient"`
	FileName     string    `json:"file_name"`
	DeliveredAt  time.Time `json:"delivered_at"`
}

// OutboxDir returns the directory a transfer of asset to recipient lands in.
func (t *Transfer) OutboxDir(recipient, assetID string) string {
	return filepath.Join(t.root, "outbox", safeName(strings.ToLower(recipient)), safeName(assetID))
}

// Execute delivers the payload of asset to its recipient.
func (t *Transfer) Execute(ctx context.Context, asset models.Asset, ownerID string) error {
	addr, err := mail.ParseAddress(asset.Recipient)
	if err != nil {
		return executor.Terminal(fmt.Errorf("%w: %q", ErrInvalidRecipient, asset.Recipient))
	}
	src, err := t.payloadPath(asset)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return classify("open payload", err)
	}
	defer in.Close()

	name := filepath.Base(src)
	if asset.File != nil && asset.File.Name != "" {
		name = safeName(asset.File.Name)
	}
	dir := t.OutboxDir(addr.Address, asset.ID)

	if err := writeAtomic(filepath.Join(dir, name), func(w io.Writer) error {
		_, err := io.Copy(w, ctxReader{ctx: ctx, r: in})
		return err
	}); err != nil {
		return classify("transfer", err)
	}

	manifest := Manifest{
		AssetID:      asset.ID,
		OwnerID:      ownerID,
		PlatformName: asset.PlatformName,
		Recipient:    addr.Address,
		FileName:     name,
		DeliveredAt:  time.Now().UTC(),
	}
	err = writeAtomic(filepath.Join(dir, "manifest.json"), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	})
	return classify("write manifest", err)
}

// All returns one executor per action, rooted at root.
func All(root string) []executor.Executor {
	return []executor.Executor{NewDelete(root), NewTransfer(root), NewArchive(root)}
}

// writeAtomic writes via a temp file renamed into place.
func writeAtomic(path string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
