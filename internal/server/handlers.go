package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"edgedetect/internal/analysis"
	"edgedetect/internal/codec"
	"edgedetect/internal/edge"
	"edgedetect/internal/fsutil"
	"edgedetect/internal/sheet"
	"edgedetect/internal/telemetry"
)

// multipart parts above this size spill to temporary files
const formMemory = 32 << 20

var algorithms = []string{"sobel", "laplacian", "canny"}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"service":    ServiceName,
		"version":    Version,
		"features":   []string{"detect", "batch-detect", "compare", "analyze", "sheet", "jobs"},
		"algorithms": algorithms,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	p := s.cfg.Params()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        ServiceName,
		"version":     Version,
		"description": "Grayscale, Gaussian blur, Sobel, Laplacian and Canny edge detection",
		"features": map[string]any{
			"algorithms":      algorithms,
			"formats":         s.cfg.Web.AllowedExtensions,
			"max_size_mb":     s.cfg.Web.MaxUploadSize / (1 << 20),
			"batch":           true,
			"real_time_stats": true,
			"stages":          edge.AllStages(),
		},
		"defaults": p,
		"algorithms_detail": map[string]any{
			"sobel":     "First-derivative gradient along x and y, blended 50/50",
			"laplacian": "Second-derivative operator, absolute value",
			"canny":     "Gradient, non-maximum suppression and hysteresis thresholding",
		},
	})
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	p := s.cfg.Params()
	kernel := func(def int) map[string]any {
		return map[string]any{"type": "int", "min": 1, "max": 7, "default": def, "odd": true}
	}
	threshold := func(def int) map[string]any {
		return map[string]any{"type": "int", "min": 0, "max": 255, "default": def}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"algorithms": []map[string]any{
			{
				"name":        "sobel",
				"description": "Sobel operator for gradient-based edge detection",
				"parameters":  map[string]any{"kernel_size": kernel(p.SobelKernel)},
			},
			{
				"name":        "laplacian",
				"description": "Laplacian operator for second-derivative edge detection",
				"parameters":  map[string]any{"kernel_size": kernel(p.LaplacianKernel)},
			},
			{
				"name":        "canny",
				"description": "Canny edge detector with hysteresis thresholding",
				"parameters": map[string]any{
					"threshold1": threshold(p.CannyLow),
					"threshold2": threshold(p.CannyHigh),
				},
			},
		},
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	up, ok := s.singleUpload(w, r)
	if !ok {
		return
	}
	p, err := s.parseParams(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	run, err := s.process(r.Context(), up.data, p)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	defer run.Close()

	results, err := s.encodeAll(run)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	src := run.Source()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Edge detection completed",
		"results": results,
		"stats": map[string]any{
			"original_size":      fmt.Sprintf("%dx%d", src.Cols(), src.Rows()),
			"file_size_kb":       math.Round(float64(len(up.data))/1024*100) / 100,
			"processing_time_ms": time.Since(start).Milliseconds(),
		},
		"parameters": p,
		"filename":   up.name,
	})
}

type batchItem struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Canny    string `json:"canny,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleBatchDetect(w http.ResponseWriter, r *http.Request) {
	if !s.parseUpload(w, r) {
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No image files provided")
		return
	}
	p, err := s.parseParams(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	items := make([]batchItem, 0, len(files))
	processed := 0
	for _, fh := range files {
		item := batchItem{Filename: fsutil.SecureFilename(fh.Filename), Status: "success"}
		canny, err := s.detectOne(r.Context(), fh, p)
		if err != nil {
			item.Status = "error"
			item.Error = err.Error()
		} else {
			item.Canny = canny
			processed++
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"total":     len(files),
		"processed": processed,
		"results":   items,
	})
}

// detectOne runs one batch upload and returns its Canny output as base64.
func (s *Server) detectOne(ctx context.Context, fh *multipart.FileHeader, p edge.Params) (string, error) {
	if !s.cfg.AllowedExtension(fh.Filename) {
		return "", errors.New("invalid file type")
	}
	data, err := readPart(fh)
	if err != nil {
		return "", err
	}
	run, err := s.process(ctx, data, p)
	if err != nil {
		return "", err
	}
	defer run.Close()
	m, err := run.Output(edge.StageCanny)
	if err != nil {
		return "", err
	}
	return codec.EncodeBase64(m, codec.JPEG, s.cfg.Output.Quality)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	up, ok := s.singleUpload(w, r)
	if !ok {
		return
	}
	p, err := s.parseParams(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	run, err := s.process(r.Context(), up.data, p)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	defer run.Close()

	enc, err := s.encodeAll(run)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"image":   enc["original"],
		"algorithms": map[string]any{
			"sobel": map[string]string{
				"x":        enc[edge.StageSobelX.String()],
				"y":        enc[edge.StageSobelY.String()],
				"combined": enc[edge.StageSobelCombined.String()],
			},
			"laplacian": enc[edge.StageLaplacian.String()],
			"canny":     enc[edge.StageCanny.String()],
		},
		"analysis": map[string]any{"edge_density": analysis.Densities(run)},
		"filename": up.name,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	up, ok := s.singleUpload(w, r)
	if !ok {
		return
	}
	src, err := codec.Decode(up.data)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	defer src.Close()
	rep, err := analysis.Analyze(src)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"filename":   up.name,
		"dimensions": rep.Dimensions,
		"statistics": rep.Statistics,
		"histogram":  rep.Histogram,
	})
}

// handleSheet returns a JPEG contact sheet of the source and every stage.
func (s *Server) handleSheet(w http.ResponseWriter, r *http.Request) {
	up, ok := s.singleUpload(w, r)
	if !ok {
		return
	}
	p, err := s.parseParams(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	tile := sheet.DefaultTile
	if v := r.FormValue("tile"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 16 || n > 1024 {
			writeError(w, http.StatusBadRequest, "tile must be an integer between 16 and 1024")
			return
		}
		tile = n
	}
	run, err := s.process(r.Context(), up.data, p)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	defer run.Close()

	img, err := sheet.FromRun(run, tile)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := sheet.Encode(&buf, img, codec.JPEG, s.cfg.Output.Quality); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", codec.JPEG.MIME())
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", sheetName(up.name)))
	_, _ = w.Write(buf.Bytes())
}

func sheetName(upload string) string {
	return strings.TrimSuffix(upload, filepath.Ext(upload)) + "_sheet.jpg"
}

// process decodes data and runs every stage with p.
func (s *Server) process(ctx context.Context, data []byte, p edge.Params) (run *edge.Run, err error) {
	start := time.Now()
	_, span := telemetry.StartSpan(ctx, "pipeline.run", attribute.Int("image.bytes", len(data)))
	defer func() {
		s.metrics.RecordImage("web", err, time.Since(start))
		telemetry.End(span, err)
	}()

	run, err = edge.DecodeRun(data)
	if err != nil {
		return nil, err
	}
	run.Observe(func(st edge.Stage, d time.Duration) { s.metrics.ObserveStage(st.String(), d) })
	if err := run.Execute(p); err != nil {
		run.Close()
		return nil, err
	}
	return run, nil
}

// encodeAll base64-encodes the source (as "original") and every stage.
func (s *Server) encodeAll(run *edge.Run) (map[string]string, error) {
	out := make(map[string]string, len(edge.AllStages())+1)
	q := s.cfg.Output.Quality
	enc, err := codec.EncodeBase64(run.Source(), codec.JPEG, q)
	if err != nil {
		return nil, err
	}
	out["original"] = enc
	for _, st := range run.Stages() {
		m, err := run.Output(st)
		if err != nil {
			return nil, err
		}
		if out[st.String()], err = codec.EncodeBase64(m, codec.JPEG, q); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type upload struct {
	name string
	data []byte
}

// parseUpload bounds the body and parses the multipart form, answering the
// request itself on failure.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Web.MaxUploadSize)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.writeTooLarge(w)
			return false
		}
		writeError(w, http.StatusBadRequest, "Expected a multipart/form-data upload")
		return false
	}
	return true
}

// singleUpload reads the "image" field.
func (s *Server) singleUpload(w http.ResponseWriter, r *http.Request) (upload, bool) {
	if !s.parseUpload(w, r) {
		return upload{}, false
	}
	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No image file provided")
		return upload{}, false
	}
	fh := files[0]
	if fh.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file selected")
		return upload{}, false
	}
	if !s.cfg.AllowedExtension(fh.Filename) {
		writeError(w, http.StatusBadRequest, "Invalid file type. Allowed: "+strings.Join(s.cfg.Web.AllowedExtensions, ", "))
		return upload{}, false
	}
	data, err := readPart(fh)
	if err != nil {
		s.writeEngineError(w, r, err)
		return upload{}, false
	}
	return upload{name: fsutil.SecureFilename(fh.Filename), data: data}, true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// parseParams overlays form overrides on the configured defaults and
// validates the result.
func (s *Server) parseParams(r *http.Request) (edge.Params, error) {
	p := s.cfg.Params()
	ints := []struct {
		field string
		dst   *int
	}{
		{"sobel_kernel", &p.SobelKernel},
		{"laplacian_kernel", &p.LaplacianKernel},
		{"canny_threshold1", &p.CannyLow},
		{"canny_threshold2", &p.CannyHigh},
	}
	for _, f := range ints {
		v := strings.TrimSpace(r.FormValue(f.field))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, &edge.ParameterError{Param: f.field, Value: v, Reason: "must be an integer"}
		}
		*f.dst = n
	}
	if v := strings.TrimSpace(r.FormValue("blur_kernel")); v != "" {
		k, err := edge.ParseKernel(v)
		if err != nil {
			return p, err
		}
		p.BlurKernel = k
	}
	if v := strings.TrimSpace(r.FormValue("sigma")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, &edge.ParameterError{Param: "sigma", Value: v, Reason: "must be a number"}
		}
		p.Sigma = f
	}
	return p, p.Validate()
}
