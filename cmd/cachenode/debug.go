package main

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/replicache/internal/storage"
)

// debugRouter serves the operator API:
//
//	GET    /local/:key   local store only
//	GET    /global/:key  clustered read
//	PUT    /global/:key  clustered insert; ?group= sets the data group
//	DELETE /global/:key  clustered remove
//	GET    /stats        counters and membership
//	GET    /members      runtime records of every member
func (n *Node) debugRouter() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/local/:key", func(c *gin.Context) {
		key := c.Param("key")
		e, err := n.store.Get(key, nil)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"key": key, "status": err.Error()})
			return
		}
		c.String(http.StatusOK, hex.Dump(e.Value))
	})

	g.GET("/global/:key", func(c *gin.Context) {
		key := c.Param("key")
		e, err := n.cache.Get(c.Request.Context(), key, nil)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"key": key, "status": err.Error()})
			return
		}
		c.String(http.StatusOK, hex.Dump(e.Value))
	})

	g.PUT("/global/:key", func(c *gin.Context) {
		key := c.Param("key")
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"key": key, "status": err.Error()})
			return
		}
		e := &storage.Entry{Value: body, Group: c.Query("group"), SubGroup: c.Query("subgroup")}
		res, err := n.cache.Insert(c.Request.Context(), key, e, nil)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"key": key, "result": res.String(), "status": err.Error()})
			return
		}
		code := http.StatusOK
		if !res.IsSuccess() {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"key": key, "result": res.String()})
	})

	g.DELETE("/global/:key", func(c *gin.Context) {
		key := c.Param("key")
		e, err := n.cache.Remove(c.Request.Context(), key, nil)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"key": key, "status": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "removed": e != nil})
	})

	g.GET("/stats", func(c *gin.Context) {
		st := n.cache.Stats()
		c.JSON(http.StatusOK, gin.H{
			"kind":     st.Kind.String(),
			"local":    st.Local,
			"status":   st.Status.String(),
			"count":    st.Count,
			"hits":     st.Hits,
			"misses":   st.Misses,
			"members":  st.Members,
			"servers":  st.Servers,
			"view":     st.View,
			"sessions": st.Sessions,
		})
	})

	g.GET("/members", func(c *gin.Context) {
		nodes := n.cache.ClusterStats().Nodes()
		out := make([]gin.H, 0, len(nodes))
		for _, info := range nodes {
			out = append(out, gin.H{
				"address":  info.Address,
				"subgroup": info.SubgroupName,
				"status":   info.Status.String(),
				"count":    info.Statistics.Count,
				"affinity": info.DataAffinity.Groups(),
			})
		}
		c.JSON(http.StatusOK, out)
	})

	return g
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
