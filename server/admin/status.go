package admin

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/event"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/mesh"
	"github.com/andydunstall/mesh/pkg/status"
	"github.com/andydunstall/mesh/pkg/websocket"
)

const (
	defaultEventsLimit = 100

	// streamBuffer is the number of events buffered for each stream
	// subscriber before events are dropped.
	streamBuffer = 256

	pingInterval = time.Second * 30
)

// statusHandler exposes the status of the local node.
type statusHandler struct {
	node *mesh.Node
	done <-chan struct{}

	logger log.Logger
}

func newStatusHandler(node *mesh.Node, done <-chan struct{}, logger log.Logger) *statusHandler {
	return &statusHandler{
		node:   node,
		done:   done,
		logger: logger,
	}
}

func (h *statusHandler) Register(group *gin.RouterGroup) {
	group.GET("/node", h.nodeRoute)
	group.GET("/partition", h.partitionRoute)
	group.GET("/peers", h.peersRoute)
	group.GET("/peers/:id", h.peerRoute)
	group.GET("/topology", h.topologyRoute)
	group.GET("/election", h.electionRoute)
	group.GET("/events", h.eventsRoute)
	group.GET("/events/stream", h.eventStreamRoute)
}

func (h *statusHandler) nodeRoute(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Status())
}

func (h *statusHandler) partitionRoute(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.PartitionStatus())
}

func (h *statusHandler) peersRoute(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Peers())
}

func (h *statusHandler) peerRoute(c *gin.Context) {
	id := c.Param("id")
	peer, ok := h.node.Peer(id)
	if !ok {
		h.error(c, status.NewErrorInfo(http.StatusNotFound, "peer not found: %s", id))
		return
	}
	c.JSON(http.StatusOK, peer)
}

func (h *statusHandler) topologyRoute(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Topology().Assignment())
}

func (h *statusHandler) electionRoute(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Elector().Election())
}

// eventsRoute returns the most recent events, optionally filtered by kind.
func (h *statusHandler) eventsRoute(c *gin.Context) {
	limit := defaultEventsLimit
	if s, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.error(c, status.NewErrorInfo(http.StatusBadRequest, "invalid limit: %s", s))
			return
		}
		limit = n
	}

	kinds := parseKinds(c)
	var filtered []event.Event
	for _, e := range h.node.Events().Recent(0) {
		if matchKind(kinds, e.Kind) {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	if filtered == nil {
		filtered = []event.Event{}
	}
	c.JSON(http.StatusOK, filtered)
}

// eventStreamRoute streams events over a WebSocket until the client
// disconnects.
func (h *statusHandler) eventStreamRoute(c *gin.Context) {
	kinds := parseKinds(c)

	conn, err := websocket.Upgrade(c.Writer, c.Request)
	if err != nil {
		h.logger.Warn("failed to upgrade event stream", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := h.node.Events().Subscribe(streamBuffer)
	defer unsubscribe()

	h.logger.Debug("event stream opened", zap.String("remote", c.ClientIP()))

	closed := conn.Discard()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if !matchKind(kinds, e.Kind) {
				continue
			}
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("event stream write", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-closed:
			h.logger.Debug("event stream closed", zap.String("remote", c.ClientIP()))
			return
		case <-h.done:
			return
		}
	}
}

func (h *statusHandler) error(c *gin.Context, err *status.ErrorInfo) {
	c.JSON(err.StatusCode, err)
}

// parseKinds parses a comma separated 'kind' query.
func parseKinds(c *gin.Context) []event.Kind {
	var kinds []event.Kind
	for _, s := range strings.Split(c.Query("kind"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			kinds = append(kinds, event.Kind(s))
		}
	}
	return kinds
}

func matchKind(kinds []event.Kind, kind event.Kind) bool {
	return len(kinds) == 0 || slices.Contains(kinds, kind)
}
