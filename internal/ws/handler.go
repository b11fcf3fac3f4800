package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The game client is not a browser and sends no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades a request, resolves the session identity and hands the
// socket to the hub.
func Handler(hub *Hub, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		stableID, name, err := resolveIdentity(c, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		hub.Connect(conn, stableID, name)
	}
}

// resolveIdentity extracts who is connecting. With a JWT secret configured
// a bearer token is required, via the "token" query parameter or the
// Authorization header. Without one, playerId/playerName query parameters
// stand in for development setups.
func resolveIdentity(c *gin.Context, secret string) (string, string, error) {
	if secret == "" {
		stableID := c.Query("playerId")
		if stableID == "" {
			return "", "", errors.New("playerId required")
		}
		name := c.Query("playerName")
		if name == "" {
			name = stableID
		}
		return stableID, name, nil
	}

	raw := c.Query("token")
	if raw == "" {
		raw = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if raw == "" {
		return "", "", errors.New("token required")
	}

	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", "", errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid token claims")
	}
	stableID, _ := claims["sub"].(string)
	if stableID == "" {
		return "", "", errors.New("token missing sub")
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = stableID
	}
	return stableID, name, nil
}
