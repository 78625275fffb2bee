package controlplane

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opsbot/goledger/internal/audit"
	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/handlers"
	"github.com/opsbot/goledger/internal/store"
)

var cpLog = logrus.WithField("component", "controlplane")

// Server 运维控制面。
//
// 只读查询 + 两个写入口：死信重投和人工修正。
// 写入口不直接改存储，而是把命令投回总线，跟正常流量走同一条路。
type Server struct {
	ledger store.LedgerStore
	audit  *audit.Log
	bus    *bus.Router

	httpServer *http.Server
}

// New 创建控制面
func New(ledger store.LedgerStore, auditLog *audit.Log, router *bus.Router) *Server {
	return &Server{ledger: ledger, audit: auditLog, bus: router}
}

// Router 构建 gin 路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")

	tx := api.Group("/transactions/:id")
	tx.GET("", s.handleGetTransaction)
	tx.GET("/audit", s.handleTransactionAudit)
	tx.POST("/manual-update", s.handleManualUpdate)

	api.GET("/clients/:id/audit", s.handleClientAudit)
	api.GET("/deadletters", s.handleDeadLetters)
	api.POST("/deadletters/:id/redrive", s.handleRedrive)
	api.GET("/stats", s.handleStats)

	return r
}

// Run 启动 HTTP 服务（非阻塞）
func (s *Server) Run(listenAddr string) error {
	s.httpServer = &http.Server{Addr: listenAddr, Handler: s.Router()}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cpLog.Errorf("❌ 控制面服务异常退出: %v", err)
		}
	}()
	cpLog.Infof("🚀 控制面已启动: %s", listenAddr)
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	rec, err := s.ledger.FindByTransactionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, transactionView{TransactionRecord: *rec, State: rec.State()})
}

// transactionView 记录 + 推导出的推进状态
type transactionView struct {
	domain.TransactionRecord
	State domain.TransactionState `json:"state"`
}

func (s *Server) handleTransactionAudit(c *gin.Context) {
	entries, err := s.audit.ByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleClientAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.audit.ByClient(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

type manualUpdateRequest struct {
	CommandType    string `json:"commandType"`
	BlockchainHash string `json:"blockchainHash"`
	Comment        string `json:"comment" binding:"required"`
}

func (s *Server) handleManualUpdate(c *gin.Context) {
	var req manualUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := handlers.ManualUpdateCommand{
		TransactionID:  c.Param("id"),
		CommandType:    domain.CommandType(req.CommandType),
		BlockchainHash: req.BlockchainHash,
		Comment:        req.Comment,
	}
	if err := s.bus.Send(c.Request.Context(), cmd); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cpLog.Infof("📝 人工修正已受理: tx=%s comment=%q", cmd.TransactionID, req.Comment)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type deadLetterView struct {
	MessageType string    `json:"messageType"`
	MessageID   string    `json:"messageId"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	At          time.Time `json:"at"`
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	dead := s.bus.DeadLetters()
	out := make([]deadLetterView, 0, len(dead))
	for _, dl := range dead {
		out = append(out, deadLetterView{
			MessageType: dl.Message.MessageType(),
			MessageID:   dl.Message.ID(),
			Reason:      dl.Reason,
			Attempts:    dl.Attempts,
			At:          dl.At,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRedrive(c *gin.Context) {
	if err := s.bus.Redrive(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "redriven"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.bus.GetStats())
}
