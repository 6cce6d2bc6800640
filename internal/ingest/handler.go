package ingest

import (
	"bufio"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"sawmill/internal/buffer"
	"sawmill/internal/logger"
	"sawmill/internal/model"
	"sawmill/internal/parser"
	"sawmill/internal/pipeline"
	pkgerrors "sawmill/pkg/errors"
	"sawmill/pkg/metrics"
)

type lineParser func(line string) (model.Record, error)

var rawParsers = map[string]lineParser{
	"nginx": parser.ParseNginxLine,
	"ssh":   parser.ParseSSHLine,
}

// Handler exposes the HTTP ingestion surface: pre-parsed records, raw log
// lines, manual flush and the stats snapshot.
type Handler struct {
	pipe      *pipeline.Pipeline
	logger    logger.Logger
	flushGate *rate.Limiter
}

func NewHandler(pipe *pipeline.Pipeline, flushCooldown *rate.Limiter, log logger.Logger) *Handler {
	return &Handler{
		pipe:      pipe,
		logger:    log,
		flushGate: flushCooldown,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine, middleware ...gin.HandlerFunc) {
	v1 := router.Group("/v1")
	v1.Use(middleware...)
	{
		v1.POST("/records", h.SubmitRecords)
		v1.POST("/raw/:format", h.SubmitRaw)
		v1.POST("/flush", h.Flush)
		v1.GET("/stats", h.Stats)
		v1.GET("/records/count", h.RecordCount)
		v1.GET("/deadletter/count", h.DeadLetterCount)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.Errorw("Request error", "error", err, "path", c.Request.URL.Path)

	status := pkgerrors.ToHTTPStatus(err)
	response := pkgerrors.ToErrorResponse(err)

	c.JSON(status, response)
}

type submitResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// SubmitRecords accepts one record or an array of records. Acceptance means
// the record is in the buffer, not yet durably committed; producers needing
// commit confirmation poll /v1/stats.
func (h *Handler) SubmitRecords(c *gin.Context) {
	records, err := bindRecords(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
		return
	}

	resp := submitResponse{}
	for _, rec := range records {
		if err := h.pipe.Submit(c.Request.Context(), rec); err != nil {
			if errors.Is(err, buffer.ErrBufferFull) || errors.Is(err, buffer.ErrBufferClosed) {
				resp.Rejected = len(records) - resp.Accepted
				c.Header("Retry-After", "1")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error":      "ingestion buffer is full",
					"error_code": pkgerrors.ErrBufferFull.Code,
					"accepted":   resp.Accepted,
					"rejected":   resp.Rejected,
				})
				return
			}
			c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(pkgerrors.ErrValidation.WithCause(err)))
			return
		}
		resp.Accepted++
	}

	c.JSON(http.StatusAccepted, resp)
}

func bindRecords(c *gin.Context) ([]model.Record, error) {
	var many []model.Record
	if err := c.ShouldBindBodyWithJSON(&many); err == nil {
		return many, nil
	}

	var one model.Record
	if err := c.ShouldBindBodyWithJSON(&one); err != nil {
		return nil, err
	}
	return []model.Record{one}, nil
}

type rawResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Failed   int `json:"parse_failures"`
}

// SubmitRaw accepts newline-separated raw log lines and parses them with the
// format's line parser. Unparseable lines are counted, not fatal.
func (h *Handler) SubmitRaw(c *gin.Context) {
	format := c.Param("format")
	parse, ok := rawParsers[format]
	if !ok {
		c.JSON(http.StatusBadRequest, pkgerrors.ToErrorResponse(
			pkgerrors.ErrValidation.WithDetail("message", "unknown raw format "+format)))
		return
	}

	resp := rawResponse{}
	scanner := bufio.NewScanner(c.Request.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, err := parse(line)
		if err != nil {
			resp.Failed++
			metrics.ParseFailuresTotal.WithLabelValues(format).Inc()
			continue
		}

		if err := h.pipe.Submit(c.Request.Context(), rec); err != nil {
			if errors.Is(err, buffer.ErrBufferFull) || errors.Is(err, buffer.ErrBufferClosed) {
				resp.Rejected++
				c.Header("Retry-After", "1")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error":          "ingestion buffer is full",
					"error_code":     pkgerrors.ErrBufferFull.Code,
					"accepted":       resp.Accepted,
					"rejected":       resp.Rejected,
					"parse_failures": resp.Failed,
				})
				return
			}
			resp.Failed++
			continue
		}
		resp.Accepted++
	}

	if err := scanner.Err(); err != nil {
		h.handleError(c, pkgerrors.ErrValidation.WithCause(err))
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// Flush triggers a forced batch closure. A cooldown limiter keeps operators
// from flooding the writer with tiny batches.
func (h *Handler) Flush(c *gin.Context) {
	if h.flushGate != nil && !h.flushGate.Allow() {
		metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
		c.JSON(http.StatusTooManyRequests, pkgerrors.ToErrorResponse(
			pkgerrors.ErrTooManyRequests.WithDetail("message", "flush cooldown active")))
		return
	}

	metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	h.pipe.Flush()
	c.JSON(http.StatusOK, gin.H{"status": "flush triggered"})
}

func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipe.Snapshot())
}

func (h *Handler) RecordCount(c *gin.Context) {
	count, err := h.pipe.CountCommitted(c.Request.Context())
	if err != nil {
		h.handleError(c, pkgerrors.ErrInternal.WithCause(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *Handler) DeadLetterCount(c *gin.Context) {
	count, err := h.pipe.DeadLetterCount(c.Request.Context())
	if err != nil {
		h.handleError(c, pkgerrors.ErrInternal.WithCause(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}
