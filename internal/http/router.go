package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const apiPrefix = "/presence/api/v1/"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	r.logger.Debug("HTTP request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("duration", time.Since(start)),
	)
}

// RegisterPresenceRoutes 注册校准和状态查询路由
func (r *Router) RegisterPresenceRoutes(h *PresenceHandler) {
	r.Handle(apiPrefix+"calibration/", func(w http.ResponseWriter, req *http.Request) {
		satelliteID := strings.TrimPrefix(req.URL.Path, apiPrefix+"calibration/")
		if satelliteID == "" || strings.Contains(satelliteID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch req.Method {
		case http.MethodPost:
			h.StartCalibration(w, req, satelliteID)
		case http.MethodGet:
			h.GetCalibration(w, req, satelliteID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	r.Handle(apiPrefix+"devices", getOnly(h.ListDevices))
	r.Handle(apiPrefix+"satellites", getOnly(h.ListSatellites))
	r.Handle(apiPrefix+"beacons", getOnly(h.ListBeacons))

	r.Handle("/healthz", getOnly(h.Health))
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
