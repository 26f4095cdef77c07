package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/indexer"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/metrics"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/mirror"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/reader"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey        = "dataaccount_subject"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingStore         = errors.New("mirror store dependency required")
	errMissingReader        = errors.New("state reader dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type AccountStore interface {
	Get(ctx context.Context, dataAccount string) (mirror.IndexedRow, error)
	List(ctx context.Context, filter mirror.ListFilter) ([]mirror.IndexedRow, error)
}

type StateReader interface {
	Read(ctx context.Context, dataAccount solana.PublicKey) (reader.AccountState, error)
}

// TokenValidator returns the subject of a valid bearer token.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// PhaseReporter exposes the indexer's current phase on /healthz.
type PhaseReporter interface {
	Phase() indexer.Phase
}

// Dependencies wires the query API. TokenManager, Indexer and Metrics are optional;
// without a TokenManager every route is public.
type Dependencies struct {
	Store             AccountStore
	Reader            StateReader
	Realtime          *RealtimeDispatcher
	TokenManager      TokenValidator
	Indexer           PhaseReporter
	Metrics           *metrics.Collector
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Reader == nil {
		return nil, errMissingReader
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		store:     deps.Store,
		reader:    deps.Reader,
		realtime:  deps.Realtime,
		tokens:    deps.TokenManager,
		indexer:   deps.Indexer,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	if deps.TokenManager != nil {
		protected.Use(handler.authorizeRequest)
	}
	protected.GET("/accounts", handler.handleListAccounts)
	protected.GET("/accounts/:address", handler.handleGetAccount)
	protected.GET("/accounts/:address/raw", handler.handleGetRaw)
	protected.GET("/accounts/:address/state", handler.handleGetState)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	store     AccountStore
	reader    StateReader
	realtime  *RealtimeDispatcher
	tokens    TokenValidator
	indexer   PhaseReporter
	heartbeat time.Duration
	logger    *zap.Logger
}

type accountPayload struct {
	DataAccount         string          `json:"data_account"`
	Authority           string          `json:"authority"`
	DataType            string          `json:"data_type"`
	SerializationStatus string          `json:"serialization_status"`
	TxID                string          `json:"tx_id"`
	Data                json.RawMessage `json:"data"`
}

type accountListPayload struct {
	Accounts []accountPayload `json:"accounts"`
}

type statePayload struct {
	DataAccount         string          `json:"data_account"`
	MetadataAddress     string          `json:"metadata_address"`
	Exists              bool            `json:"exists"`
	MetadataExists      bool            `json:"metadata_exists"`
	DataStatus          string          `json:"data_status"`
	SerializationStatus string          `json:"serialization_status"`
	Authority           string          `json:"authority"`
	IsDynamic           bool            `json:"is_dynamic"`
	DataVersion         uint8           `json:"data_version"`
	DataType            string          `json:"data_type"`
	BumpSeed            uint8           `json:"bump_seed"`
	Size                int             `json:"size"`
	Data                json.RawMessage `json:"data"`
}

type eventPayload struct {
	DataAccount         string `json:"dataAccount"`
	Authority           string `json:"authority"`
	TxID                string `json:"txId"`
	Outcome             string `json:"outcome"`
	DataType            string `json:"dataType"`
	SerializationStatus string `json:"serializationStatus"`
	Timestamp           string `json:"timestamp"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	response := gin.H{"status": "ok"}
	if h.indexer != nil {
		response["indexer_phase"] = string(h.indexer.Phase())
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListAccounts(c *gin.Context) {
	filter := mirror.ListFilter{Authority: strings.TrimSpace(c.Query("authority"))}
	if filter.Authority != "" {
		if _, err := solana.PublicKeyFromBase58(filter.Authority); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_authority"})
			return
		}
	}
	if rawLimit := c.Query("limit"); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		filter.Limit = limit
	}

	rows, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list accounts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	response := accountListPayload{Accounts: make([]accountPayload, 0, len(rows))}
	for _, row := range rows {
		response.Accounts = append(response.Accounts, newAccountPayload(row))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetAccount(c *gin.Context) {
	row, ok := h.lookupRow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newAccountPayload(row))
}

// handleGetRaw serves the mirrored payload bytes with a content type matching its data type.
func (h *httpHandler) handleGetRaw(c *gin.Context) {
	row, ok := h.lookupRow(c)
	if !ok {
		return
	}
	payload, err := mirror.DecodeRendered(layout.DataType(row.DataType), layout.SerializationStatus(row.SerializationStatus), row.Data)
	if err != nil {
		h.logger.Error("failed to decode mirrored payload", zap.String("data_account", row.DataAccount), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decode_failed"})
		return
	}
	c.Data(http.StatusOK, contentTypeFor(layout.DataType(row.DataType), payload), payload)
}

func (h *httpHandler) handleGetState(c *gin.Context) {
	dataAccount, ok := parseAddress(c)
	if !ok {
		return
	}
	state, err := h.reader.Read(c.Request.Context(), dataAccount)
	if err != nil {
		h.logger.Error("failed to read account state", zap.String("data_account", dataAccount.String()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_unavailable"})
		return
	}
	c.JSON(http.StatusOK, statePayload{
		DataAccount:         state.DataAccount.String(),
		MetadataAddress:     state.MetadataKey.String(),
		Exists:              state.Exists,
		MetadataExists:      state.MetadataExists,
		DataStatus:          state.Metadata.DataStatus.String(),
		SerializationStatus: state.Metadata.SerializationStatus.String(),
		Authority:           state.Metadata.Authority.String(),
		IsDynamic:           state.Metadata.IsDynamic,
		DataVersion:         state.Metadata.DataVersion,
		DataType:            state.Metadata.DataType.String(),
		BumpSeed:            state.Metadata.BumpSeed,
		Size:                len(state.Payload),
		Data:                json.RawMessage(mirror.RenderPayload(state.Metadata.DataType, state.Metadata.SerializationStatus, state.Payload)),
	})
}

// handleEvents streams account-change events as server-sent events. An optional
// account query parameter narrows the stream to one data account.
func (h *httpHandler) handleEvents(c *gin.Context) {
	account := strings.TrimSpace(c.Query("account"))
	if account != "" {
		if _, err := solana.PublicKeyFromBase58(account); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
			return
		}
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, account)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, newEventPayload(message))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSourceIndexer,
				"timestamp": tick.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}

func (h *httpHandler) lookupRow(c *gin.Context) (mirror.IndexedRow, bool) {
	dataAccount, ok := parseAddress(c)
	if !ok {
		return mirror.IndexedRow{}, false
	}
	row, err := h.store.Get(c.Request.Context(), dataAccount.String())
	if errors.Is(err, mirror.ErrRowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return mirror.IndexedRow{}, false
	}
	if err != nil {
		h.logger.Error("failed to load account", zap.String("data_account", dataAccount.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return mirror.IndexedRow{}, false
	}
	return row, true
}

// authorizeRequest accepts a bearer header or, for event streams that cannot set
// headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func parseAddress(c *gin.Context) (solana.PublicKey, bool) {
	dataAccount, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.Param("address")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return solana.PublicKey{}, false
	}
	return dataAccount, true
}

func newAccountPayload(row mirror.IndexedRow) accountPayload {
	data := json.RawMessage(row.Data)
	if !json.Valid(data) {
		quoted, _ := json.Marshal(row.Data)
		data = quoted
	}
	return accountPayload{
		DataAccount:         row.DataAccount,
		Authority:           row.Authority,
		DataType:            layout.DataType(row.DataType).String(),
		SerializationStatus: layout.SerializationStatus(row.SerializationStatus).String(),
		TxID:                row.TxID,
		Data:                data,
	}
}

func newEventPayload(message RealtimeMessage) eventPayload {
	return eventPayload{
		DataAccount:         message.DataAccount,
		Authority:           message.Authority,
		TxID:                message.TxID,
		Outcome:             message.Outcome,
		DataType:            layout.DataType(message.DataType).String(),
		SerializationStatus: layout.SerializationStatus(message.SerializationStatus).String(),
		Timestamp:           message.Timestamp.Format(time.RFC3339),
	}
}

func contentTypeFor(dataType layout.DataType, payload []byte) string {
	switch dataType {
	case layout.DataTypeJSON:
		return "application/json"
	case layout.DataTypeHTML:
		return "text/html; charset=utf-8"
	case layout.DataTypeImage:
		return http.DetectContentType(payload)
	default:
		return "application/octet-stream"
	}
}
