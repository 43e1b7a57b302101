// Package analysis turns claimed jobs into consumption entries. Each job type
// has its own strategy; all of them validate the payload, consult the
// inference provider, run the hydration calculator, and hand the finished
// entry to the aggregate writer.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/RyderHornbeck/waterai-server/internal/hydration"
	"github.com/RyderHornbeck/waterai-server/internal/models"
)

// maxImageWidth bounds the picture sent to the provider; anything wider is
// downscaled first.
const maxImageWidth = 1024

// EntryWriter is the aggregate writer capability the strategies persist
// through. Implemented by the storage layer.
type EntryWriter interface {
	CreateEntry(ctx context.Context, in models.EntryInput) (*models.ConsumptionEntry, error)
}

// Strategy analyzes one job and returns the result to attach to it. Errors
// are always classified (*Error).
type Strategy interface {
	Analyze(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error)
}

// Registry maps job types to strategies.
type Registry struct {
	strategies map[models.JobType]Strategy
}

func NewRegistry(p Provider, w EntryWriter) *Registry {
	return &Registry{strategies: map[models.JobType]Strategy{
		models.JobTypeImage:   &ImageStrategy{Provider: p, Writer: w},
		models.JobTypeBarcode: &BarcodeStrategy{Provider: p, Writer: w},
		models.JobTypeText:    &TextStrategy{Provider: p, Writer: w},
	}}
}

// ForType returns the strategy for a job type.
func (r *Registry) ForType(t models.JobType) (Strategy, bool) {
	s, ok := r.strategies[t]
	return s, ok
}

// ImageStrategy handles photo evidence: the provider estimates the container
// from the picture, the payload says how much of it was drunk.
type ImageStrategy struct {
	Provider Provider
	Writer   EntryWriter
}

func (s *ImageStrategy) Analyze(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error) {
	var p models.ImagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, Permanent(fmt.Errorf("malformed image payload: %w", err))
	}
	if p.ImageData == "" {
		return nil, Permanent(errors.New("image payload missing image_data"))
	}

	data, err := prepareImage(p.ImageData)
	if err != nil {
		return nil, err
	}

	est, err := s.Provider.Estimate(ctx, EstimateRequest{
		ImageData:   data,
		ImageFormat: p.ImageFormat,
	})
	if err != nil {
		return nil, err
	}

	return finish(ctx, s.Writer, job, p, est, models.ClassPhoto)
}

// BarcodeStrategy handles product scans. The barcode alone is enough for a
// lookup; an attached photo is passed along when present.
type BarcodeStrategy struct {
	Provider Provider
	Writer   EntryWriter
}

func (s *BarcodeStrategy) Analyze(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error) {
	var p models.ImagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, Permanent(fmt.Errorf("malformed barcode payload: %w", err))
	}
	if p.Barcode == "" && p.ImageData == "" {
		return nil, Permanent(errors.New("barcode payload missing both barcode and image_data"))
	}

	req := EstimateRequest{Barcode: p.Barcode, ImageFormat: p.ImageFormat}
	if p.ImageData != "" {
		data, err := prepareImage(p.ImageData)
		if err != nil {
			return nil, err
		}
		req.ImageData = data
	}

	est, err := s.Provider.Estimate(ctx, req)
	if err != nil {
		return nil, err
	}

	return finish(ctx, s.Writer, job, p, est, models.ClassBarcode)
}

// TextStrategy handles free-text descriptions; the provider estimates the
// amount directly from the words.
type TextStrategy struct {
	Provider Provider
	Writer   EntryWriter
}

func (s *TextStrategy) Analyze(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisResult, error) {
	var p models.TextPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, Permanent(fmt.Errorf("malformed text payload: %w", err))
	}
	if strings.TrimSpace(p.Description) == "" {
		return nil, Permanent(errors.New("text payload missing description"))
	}

	est, err := s.Provider.Estimate(ctx, EstimateRequest{Description: p.Description})
	if err != nil {
		return nil, err
	}

	return finish(ctx, s.Writer, job, models.ImagePayload{}, est, models.ClassDescription)
}

// finish runs the calculator on the provider estimate plus payload hints and
// persists the entry. The provider call is already done: no transaction ever
// spans a network wait.
func finish(ctx context.Context, w EntryWriter, job *models.AnalysisJob, p models.ImagePayload, est Estimate, class models.Classification) (*models.AnalysisResult, error) {
	liquid := p.LiquidType
	if liquid == "" {
		liquid = est.LiquidType
	}
	servings := p.Servings
	if servings <= 0 {
		servings = 1
	}

	in := hydration.Input{
		CapacityOz: est.CapacityOz,
		Percentage: p.Percentage,
		SipSize:    hydration.SipSize(p.SipSize),
		Servings:   servings,
		LiquidType: liquid,
	}
	if in.CapacityOz == 0 {
		// Some providers report consumed ounces without a container size.
		in.CapacityOz = est.Ounces
	}
	if p.Duration != nil && p.Percentage == nil {
		in.DurationSeconds = p.Duration
	}
	if in.Percentage == nil && in.DurationSeconds == nil {
		// No hint about how much was drunk: credit the whole estimate.
		full := 100.0
		in.Percentage = &full
	}

	ounces, err := hydration.Consumed(in)
	if err != nil {
		if errors.Is(err, hydration.ErrZeroHydration) {
			return nil, Permanent(err)
		}
		return nil, Permanent(fmt.Errorf("calculate consumption: %w", err))
	}

	entry, err := w.CreateEntry(ctx, models.EntryInput{
		UserID:         job.UserID,
		Ounces:         ounces,
		Timestamp:      time.Now().UTC(),
		Classification: class,
		LiquidType:     liquid,
		Servings:       servings,
	})
	if err != nil {
		return nil, Transient(fmt.Errorf("persist entry: %w", err))
	}

	return &models.AnalysisResult{
		EntryID:    entry.ID,
		Ounces:     entry.Ounces,
		LiquidType: liquid,
		Container:  est.Container,
	}, nil
}

// prepareImage decodes base64 picture data, downscales anything wider than
// maxImageWidth, and returns it re-encoded as base64 JPEG.
func prepareImage(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", Permanent(fmt.Errorf("decode base64 image: %w", err))
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", Permanent(fmt.Errorf("decode image: %w", err))
	}

	if img.Bounds().Dx() <= maxImageWidth {
		return b64, nil
	}

	resized := imaging.Resize(img, maxImageWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return "", Permanent(fmt.Errorf("encode resized image: %w", err))
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
