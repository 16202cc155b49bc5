package manifest

import (
	"context"
	"path/filepath"
)

// Sender delivers one package file to every node of a job.
type Sender func(ctx context.Context, pkgPath string) error

// Recorder durably marks entries as delivered inside pkg.
type Recorder func(ctx context.Context, pkg string, entries []Entry) error

// Packer splits pending entries into packages and ships them in order.
type Packer struct {
	// Dir receives the package files.
	Dir   string
	Stage string
	// MaxBytes caps the content of one package. Zero puts everything in one.
	MaxBytes int64
}

// Result summarizes a shipment.
type Result struct {
	Files    int
	Bytes    int64
	Packages []string
}

// Batches groups entries in order so that each batch stays under MaxBytes.
// An entry larger than MaxBytes travels alone.
func (p Packer) Batches(entries []Entry) [][]Entry {
	var (
		out  [][]Entry
		cur  []Entry
		size int64
	)
	for _, e := range entries {
		if p.MaxBytes > 0 && len(cur) > 0 && size+e.Size > p.MaxBytes {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, e)
		size += e.Size
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// Ship packs and sends pending, numbering packages from seq. Each package is
// recorded right after it is delivered, so on failure the recorder has seen
// exactly the delivered entries and a retry with the remainder is safe.
// Result covers the packages completed before any error.
func (p Packer) Ship(ctx context.Context, pending []Entry, seq int, send Sender, record Recorder) (Result, error) {
	var res Result
	for _, batch := range p.Batches(pending) {
		if err := ctx.Err(); err != nil {
			return res, &ShipError{Kind: TransferFailed, Shipped: res.Files, Err: err}
		}
		name := PackageName(p.Stage, seq)
		dst := filepath.Join(p.Dir, name)
		n, err := WritePackage(dst, p.Stage, batch)
		if err != nil {
			return res, &ShipError{Kind: PackageFailed, Package: name, Shipped: res.Files, Err: err}
		}
		if err := send(ctx, dst); err != nil {
			return res, &ShipError{Kind: TransferFailed, Package: name, Shipped: res.Files, Err: err}
		}
		if err := record(ctx, name, batch); err != nil {
			return res, &ShipError{Kind: RecordFailed, Package: name, Shipped: res.Files, Err: err}
		}
		res.Files += len(batch)
		res.Bytes += n
		res.Packages = append(res.Packages, name)
		seq++
	}
	return res, nil
}
