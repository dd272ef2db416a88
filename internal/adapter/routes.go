package adapter

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// RegisterRoutes mounts the session API under r. The routes expect the
// adapter middleware to run before them.
func (a *Adapter) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/session")
	g.GET("", a.handleGetSession)
	g.GET("/stats", a.handleStats)
	g.GET("/report", a.handleReport)
	g.GET("/attributes/:name", a.handleGetAttribute)
	g.PUT("/attributes/:name", a.handlePutAttribute)
	g.DELETE("/attributes/:name", a.handleDeleteAttribute)
	g.POST("/invalidate", a.handleInvalidate)
}

func (a *Adapter) handleGetSession(c *gin.Context) {
	s, ok := Lookup(c)
	if !ok {
		a.abortWithError(c, ErrNoSession)
		return
	}
	info, err := a.manager.Describe(s)
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *Adapter) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.manager.Stats())
}

func (a *Adapter) handleReport(c *gin.Context) {
	c.JSON(http.StatusOK, a.manager.Report())
}

func (a *Adapter) handleGetAttribute(c *gin.Context) {
	s, ok := Lookup(c)
	if !ok {
		a.abortWithError(c, ErrNoSession)
		return
	}
	name := c.Param("name")
	if path := c.Query("path"); path != "" {
		r, err := a.manager.LookupAttribute(s, name, path)
		if err != nil {
			a.abortWithError(c, err)
			return
		}
		if !r.Exists() {
			a.abortWithError(c, ErrNoAttribute)
			return
		}
		c.Data(http.StatusOK, "application/json", []byte(r.Raw))
		return
	}

	value, found, err := a.manager.GetAttribute(s, name)
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	if !found {
		a.abortWithError(c, ErrNoAttribute)
		return
	}
	c.Data(http.StatusOK, "application/json", value)
}

func (a *Adapter) handlePutAttribute(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(body) {
		a.abortWithError(c, ErrInvalidBody)
		return
	}
	s, err := Session(c)
	if err != nil {
		a.abortWithError(c, err)
		return
	}
	if err := a.manager.SetAttribute(s, c.Param("name"), json.RawMessage(body)); err != nil {
		a.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Adapter) handleDeleteAttribute(c *gin.Context) {
	s, ok := Lookup(c)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	if err := a.manager.RemoveAttribute(s, c.Param("name")); err != nil {
		a.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Adapter) handleInvalidate(c *gin.Context) {
	if err := Invalidate(c); err != nil {
		a.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
