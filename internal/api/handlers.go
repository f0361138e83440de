// Package api wires the Gin HTTP router onto one ReplicationNode: the
// public /kv and /scan surface, /cluster membership management, and the
// /mesh/* routes peers use to talk to each other.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"meshkv/internal/cluster"
	"meshkv/internal/node"
	"meshkv/internal/security"
)

// Handler holds the dependencies injected from main.
type Handler struct {
	node *node.ReplicationNode
}

// NewHandler creates a Handler bound to node.
func NewHandler(n *node.ReplicationNode) *Handler {
	return &Handler{node: n}
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	kv := r.Group("/kv")
	kv.GET("/*path", h.GetOrHistory)
	kv.PUT("/*path", h.Put)
	kv.DELETE("/*path", h.Delete)

	r.GET("/scan/*prefix", h.Scan)

	clusterGroup := r.Group("/cluster")
	clusterGroup.POST("/join", h.Join)
	clusterGroup.POST("/leave", h.Leave)
	clusterGroup.GET("/nodes", h.ListNodes)

	mesh := r.Group("/mesh")
	mesh.POST("/:event", h.Mesh)
}

// ─── Public KV handlers ────────────────────────────────────────────────

// GetOrHistory handles GET /kv/*path, including the /kv/*path/history
// suffix form: Gin's wildcard routing can't register a static segment
// after a catch-all in the same tree, so the history suffix is detected
// here instead of via a separate route.
func (h *Handler) GetOrHistory(c *gin.Context) {
	path := trimPath(c.Param("path"))

	if rest, ok := strings.CutSuffix(path, "/history"); ok && rest != "" {
		h.history(c, rest)
		return
	}

	val, ok := h.node.Get(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "value": val})
}

func (h *Handler) history(c *gin.Context, path string) {
	entries := h.node.GetVersionHistory(path)
	versions := make([]gin.H, len(entries))
	for i, e := range entries {
		versions[i] = gin.H{
			"value":       e.Record.Value,
			"vectorClock": e.Record.VectorClock,
			"origin":      e.Record.Origin,
		}
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "versions": versions})
}

// Put handles PUT /kv/*path. Body is the raw JSON value to store.
func (h *Handler) Put(c *gin.Context) {
	path := trimPath(c.Param("path"))

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var value any
	if len(body) > 0 {
		if err := decodeJSONValue(body, &value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
			return
		}
	}

	if err := h.node.Put(c.Request.Context(), path, value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "value": value})
}

// Delete handles DELETE /kv/*path.
func (h *Handler) Delete(c *gin.Context) {
	path := trimPath(c.Param("path"))
	if err := h.node.Del(c.Request.Context(), path); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": path})
}

// Scan handles GET /scan/*prefix.
func (h *Handler) Scan(c *gin.Context) {
	prefix := trimPath(c.Param("prefix"))
	results := h.node.Scan(prefix)
	entries := make([]gin.H, len(results))
	for i, r := range results {
		entries[i] = gin.H{"path": r.Path, "value": r.Value}
	}
	c.JSON(http.StatusOK, gin.H{"prefix": prefix, "entries": entries})
}

// ─── Cluster management handlers ───────────────────────────────────────

// Join handles POST /cluster/join.
// Body: {"id": "<nodeID>", "address": "<host:port>"}
func (h *Handler) Join(c *gin.Context) {
	var n cluster.Node
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.node.Join(n); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": n.ID})
}

// Leave handles POST /cluster/leave.
// Body: {"id": "<nodeID>"}
func (h *Handler) Leave(c *gin.Context) {
	var body struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.node.Leave(body.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": body.ID})
}

// ListNodes handles GET /cluster/nodes.
func (h *Handler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.node.PeerNodes()})
}

// ─── Mesh (peer-to-peer) handler ───────────────────────────────────────

// Mesh handles POST /mesh/:event — put, vector-clock-sync,
// anti-entropy-request, and any other event a peer's transport emits.
// The body is an opaque security-envelope-wrapped wire message; Dispatch
// unwraps it, routes it, and re-wraps any response.
func (h *Handler) Mesh(c *gin.Context) {
	event := c.Param("event")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.node.Dispatch(event, c.ClientIP(), body)
	if err != nil {
		if errors.Is(err, security.ErrDecrypt) {
			// Already logged at Warn by the transport layer; the sender
			// gets no detail about why its message was dropped.
			c.Status(http.StatusBadRequest)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if resp == nil {
		c.Status(http.StatusOK)
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

func trimPath(p string) string {
	return strings.Trim(p, "/")
}

func decodeJSONValue(body []byte, out *any) error {
	return json.Unmarshal(body, out)
}
