// Package export writes encrypted snapshots of the gift code ledger to object
// storage for backup and audit.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/vidfriends/accessgate/internal/giftcodes"
	"github.com/vidfriends/accessgate/internal/logging"
	"github.com/vidfriends/accessgate/internal/secretbox"
)

// SnapshotVersion is the current Snapshot schema version.
const SnapshotVersion = 1

const pageSize = 500

// ObjectStorage persists an object and returns its location.
type ObjectStorage interface {
	Save(ctx context.Context, name string, r io.Reader) (string, error)
}

// Snapshot is the plaintext shape sealed into an export.
type Snapshot struct {
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	Codes     []SnapshotCode `json:"codes"`
}

// SnapshotCode is one exported gift code.
type SnapshotCode struct {
	ID              string             `json:"id"`
	Code            string             `json:"code"`
	DurationMinutes int                `json:"durationMinutes"`
	MaxUses         int                `json:"maxUses"`
	UsesCount       int                `json:"usesCount"`
	ExpiresAt       *time.Time         `json:"expiresAt,omitempty"`
	AllowedIPs      []string           `json:"allowedIps,omitempty"`
	Status          giftcodes.Status   `json:"status"`
	Metadata        giftcodes.Metadata `json:"metadata"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Result describes a completed export.
type Result struct {
	Location string
	Codes    int
}

// Exporter snapshots the ledger, seals it and uploads it.
type Exporter struct {
	ledger  *giftcodes.Ledger
	box     *secretbox.Box
	storage ObjectStorage
	prefix  string
	now     func() time.Time
}

// NewExporter constructs an Exporter writing objects under prefix.
func NewExporter(ledger *giftcodes.Ledger, box *secretbox.Box, storage ObjectStorage, prefix string) *Exporter {
	return &Exporter{
		ledger:  ledger,
		box:     box,
		storage: storage,
		prefix:  prefix,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithNowFunc allows tests to override the time source.
func (e *Exporter) WithNowFunc(now func() time.Time) {
	e.now = now
}

// Export writes one snapshot of every gift code.
func (e *Exporter) Export(ctx context.Context) (result Result, err error) {
	ctx, span := logging.StartSpan(ctx, "export.giftcodes")
	defer func() { span.End(err) }()

	snapshot := Snapshot{Version: SnapshotVersion, CreatedAt: e.now(), Codes: []SnapshotCode{}}
	for offset := 0; ; offset += pageSize {
		page, err := e.ledger.List(ctx, giftcodes.ListFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return Result{}, fmt.Errorf("list gift codes: %w", err)
		}
		for _, c := range page {
			snapshot.Codes = append(snapshot.Codes, SnapshotCode{
				ID:              c.ID,
				Code:            c.Code,
				DurationMinutes: c.DurationMinutes,
				MaxUses:         c.MaxUses,
				UsesCount:       c.UsesCount,
				ExpiresAt:       c.ExpiresAt,
				AllowedIPs:      giftcodes.AllowlistStrings(c.AllowedIPs),
				Status:          c.Status,
				Metadata:        c.Metadata,
				CreatedAt:       c.CreatedAt,
				UpdatedAt:       c.UpdatedAt,
			})
		}
		if len(page) < pageSize {
			break
		}
	}

	sealed, err := e.box.EncryptJSON(snapshot)
	if err != nil {
		return Result{}, fmt.Errorf("seal snapshot: %w", err)
	}

	name := fmt.Sprintf("%sgiftcodes-%s.enc", e.prefix, snapshot.CreatedAt.Format("20060102T150405Z"))
	location, err := e.storage.Save(ctx, name, bytes.NewReader([]byte(sealed)))
	if err != nil {
		return Result{}, fmt.Errorf("save snapshot: %w", err)
	}

	logging.FromContext(ctx).Info("gift code ledger exported", "location", location, "codes", len(snapshot.Codes))
	return Result{Location: location, Codes: len(snapshot.Codes)}, nil
}

// Open decrypts an export produced by Export.
func Open(box *secretbox.Box, r io.Reader) (Snapshot, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := box.DecryptJSON(string(blob), &snapshot); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}
