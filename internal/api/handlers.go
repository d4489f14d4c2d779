package api

import (
	"errors"
	"net/http"
	"strconv"

	"geoip-api/internal/lookup"
	"geoip-api/internal/middleware"
	"geoip-api/internal/store"

	"github.com/go-chi/chi/v5"
)

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady：已发布快照时 200，否则 503；附带最近检查与下次计划刷新时间
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"ready": false}
	status := http.StatusServiceUnavailable
	if epoch, ok := s.opts.Lookup.BuildEpoch(); ok {
		body["ready"] = true
		body["build_epoch"] = epoch
		status = http.StatusOK
	}
	if st := s.opts.Status; st != nil {
		if t := st.LastChecked(); !t.IsZero() {
			body["last_checked"] = t.UTC()
		}
		if t := st.NextDue(); !t.IsZero() {
			body["next_due"] = t.UTC()
		}
	}
	writeJSON(w, status, body)
}

func (s *server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := s.opts.Lookup.Metadata()
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// handleSelf：查询调用方自身地址；?ip= 显式指定时优先
func (s *server) handleSelf(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		ip = middleware.ClientIP(r, s.opts.RealIPHeader)
	}
	s.serveLookup(w, r, ip)
}

func (s *server) handleLookup(w http.ResponseWriter, r *http.Request) {
	s.serveLookup(w, r, chi.URLParam(r, "ip"))
}

// 文档注释：单地址查询
// 背景：响应体为 geoip2 City 记录本身，build_epoch 通过 x-maxmind-build-epoch 头返回，便于客户端判断数据版本。
// 约束：缓存命中与未命中的响应体一致；统计只记录成功查询。
func (s *server) serveLookup(w http.ResponseWriter, r *http.Request, ip string) {
	ctx := r.Context()
	if s.cache != nil {
		if epoch, digest, ok := s.opts.Lookup.Version(); ok {
			if body, hit := s.cache.get(ctx, epoch, digest, ip); hit {
				s.countStats(r)
				writeRecord(w, epoch, body)
				return
			}
		}
	}
	res, err := s.opts.Lookup.Lookup(ip)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	body, err := encodeRecord(res)
	if err != nil {
		s.log.Error("lookup_encode_error", "ip", ip, "err", err)
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	if s.cache != nil {
		s.cache.set(ctx, res.BuildEpoch, res.Digest, ip, body)
	}
	s.countStats(r)
	writeRecord(w, res.BuildEpoch, body)
}

func writeRecord(w http.ResponseWriter, epoch uint, body []byte) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("x-maxmind-build-epoch", strconv.FormatUint(uint64(epoch), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *server) countStats(r *http.Request) {
	if s.opts.Stats == nil {
		return
	}
	ctx := r.Context()
	visitor := middleware.ClientIP(r, s.opts.RealIPHeader)
	if !firstVisitToday(ctx, s.opts.Redis, visitor, s.now()) {
		visitor = ""
	}
	if err := s.opts.Stats.IncrStats(ctx, visitor); err != nil {
		s.log.Debug("stats_incr_error", "err", err)
	}
}

func (s *server) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lookup.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lookup.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lookup.ErrNoSnapshot):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("lookup_error", "err", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
	}
}

// handleRefresh：校验 x-admin-token 后请求一次立即刷新；已有待处理的触发时 accepted=false
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("x-admin-token") != s.opts.AdminToken {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	accepted := s.opts.Refresher.Trigger("admin")
	s.log.Info("admin_refresh", "accepted", accepted, "ip", middleware.ClientIP(r, s.opts.RealIPHeader))
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": accepted})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.opts.Stats.GetTotals(ctx)
	if err != nil {
		s.log.Error("stats_totals_error", "err", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	limit := 10
	if n, err := strconv.Atoi(r.URL.Query().Get("cycles")); err == nil && n > 0 && n <= 100 {
		limit = n
	}
	cycles, err := s.opts.Stats.RecentCycles(ctx, limit)
	if err != nil {
		s.log.Warn("stats_cycles_error", "err", err)
	}
	if cycles == nil {
		cycles = []store.CycleRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    t.Total,
		"today":    t.Today,
		"visitors": t.Visitors,
		"cycles":   cycles,
	})
}
