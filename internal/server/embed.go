package server

import (
	"embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed static
var embedFS embed.FS

// getIndexHTML は埋め込まれた index.html を返す
func getIndexHTML() ([]byte, error) {
	return embedFS.ReadFile("static/index.html")
}

// handleIndex はライブビューと操作パネルの画面を返す
func (s *Server) handleIndex(c *gin.Context) {
	data, err := getIndexHTML()
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "exception", "埋め込みindex.htmlの読み込みに失敗")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}
