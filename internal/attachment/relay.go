// Package attachment uploads receipt attachments once their receipt record
// has reached the server.
//
// The receipt row and its binary travel separately: the sync batch carries
// only has_attachment, and the Relay sends the file afterwards when the
// device is online. Image attachments are downscaled before upload.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/rs/zerolog"
)

// ErrInProgress is returned when Run is called while another Run is active.
var ErrInProgress = errors.New("attachment upload already in progress")

// SessionSource provides the active session.
type SessionSource interface {
	Validate(ctx context.Context) (*session.Session, error)
}

// Config holds Relay configuration.
type Config struct {
	Logger zerolog.Logger

	// MaxWidth is the width images are scaled down to (0 = send as is).
	MaxWidth int
}

// Report summarises one Run.
type Report struct {
	Uploaded int
	// Waiting counts attachments whose receipt has not been synced yet.
	Waiting int
	Failed  int
}

// Relay uploads pending receipt attachments.
type Relay struct {
	store    *store.Store
	sessions SessionSource
	remote   *remote.Client
	cfg      Config
	running  atomic.Bool
}

// NewRelay creates a Relay.
func NewRelay(st *store.Store, sessions SessionSource, rc *remote.Client, cfg Config) *Relay {
	return &Relay{store: st, sessions: sessions, remote: rc, cfg: cfg}
}

// Run uploads every pending attachment whose receipt is already synced.
// A missing file or a rejected upload is counted and skipped; a transport
// or session failure stops the run and is returned.
func (r *Relay) Run(ctx context.Context) (Report, error) {
	var rep Report
	if !r.running.CompareAndSwap(false, true) {
		return rep, ErrInProgress
	}
	defer r.running.Store(false)

	sess, err := r.sessions.Validate(ctx)
	if err != nil {
		return rep, err
	}

	pending, err := r.store.PendingAttachments(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to list pending attachments: %w", err)
	}
	rc := r.remote.For(sess.Endpoint)

	for _, rec := range pending {
		if !rec.Synced {
			rep.Waiting++
			continue
		}

		err := r.upload(ctx, rc, sess.ID, rec)
		switch {
		case err == nil:
			rep.Uploaded++
		case errors.Is(err, remote.ErrTransport), remote.IsSessionInvalid(err), ctx.Err() != nil:
			return rep, err
		default:
			rep.Failed++
			r.cfg.Logger.Warn().Err(err).Str("receipt", rec.ID).Msg("attachment not uploaded")
		}
	}

	r.cfg.Logger.Debug().
		Int("uploaded", rep.Uploaded).
		Int("waiting", rep.Waiting).
		Int("failed", rep.Failed).
		Msg("attachment relay finished")
	return rep, nil
}

func (r *Relay) upload(ctx context.Context, rc *remote.Client, sessionID string, rec store.PaymentReceipt) error {
	content, err := r.prepare(rec.AttachmentPath)
	if err != nil {
		return err
	}
	if err := rc.UploadAttachment(ctx, sessionID, rec.ID, filepath.Base(rec.AttachmentPath), content); err != nil {
		return err
	}
	if err := r.store.MarkAttachmentSynced(context.WithoutCancel(ctx), rec.ID); err != nil {
		return fmt.Errorf("failed to record upload of %s: %w", rec.ID, err)
	}
	return nil
}

// prepare returns the bytes to send for path, scaling images wider than
// MaxWidth. Files that are not images are sent unchanged.
func (r *Relay) prepare(path string) (io.Reader, error) {
	if r.cfg.MaxWidth > 0 && isImage(path) {
		data, err := Downscale(path, r.cfg.MaxWidth)
		if err == nil {
			return bytes.NewReader(data), nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("attachment missing: %w", err)
		}
		r.cfg.Logger.Debug().Err(err).Str("path", path).Msg("sending image unscaled")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return bytes.NewReader(data), nil
}

// Downscale decodes the image at path and re-encodes it no wider than
// maxWidth, keeping the aspect ratio and the file's format.
func Downscale(path string, maxWidth int) ([]byte, error) {
	format, err := imaging.FormatFromFilename(path)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return true
	}
	return false
}
