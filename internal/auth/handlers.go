package auth

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"helmsman/internal/config"
	"helmsman/internal/db"
)

// isSecureRequest checks if the request came over HTTPS (directly or via reverse proxy)
func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	return strings.EqualFold(proto, "https")
}

// Status returns authentication status
func Status(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := GetSessionFromRequest(r)

		var username string
		if session != nil {
			username = session.Username
		}

		jsonResponse(w, map[string]interface{}{
			"auth_enabled":  cfg.AuthEnabled,
			"authenticated": session != nil,
			"username":      username,
		})
	}
}

// Login handles user authentication
func Login(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.AuthEnabled {
			jsonResponse(w, map[string]interface{}{
				"success": true,
				"message": "Authentication disabled",
			})
			return
		}

		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			jsonError(w, "Invalid request", http.StatusBadRequest)
			return
		}

		var userID int64
		var username, passwordHash string
		err := db.DB.QueryRow(
			"SELECT id, username, password_hash FROM users WHERE username = ?",
			creds.Username,
		).Scan(&userID, &username, &passwordHash)

		if err != nil || passwordHash != HashPassword(creds.Password) {
			jsonError(w, "Invalid username or password", http.StatusUnauthorized)
			return
		}

		token, expiresAt, err := CreateSession(userID)
		if err != nil {
			jsonError(w, "Failed to create session", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "session",
			Value:    token,
			Path:     "/",
			Expires:  expiresAt,
			HttpOnly: true,
			Secure:   isSecureRequest(r),
			SameSite: http.SameSiteLaxMode,
		})

		log.Printf("🔓 Login: %s", username)
		jsonResponse(w, map[string]interface{}{
			"success":  true,
			"token":    token,
			"username": username,
		})
	}
}

// Logout handles user logout
func Logout(w http.ResponseWriter, r *http.Request) {
	session := GetSessionFromRequest(r)
	if session != nil {
		DeleteSession(session.Token)
		log.Printf("🔒 Logout: %s", session.Username)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
	})

	jsonResponse(w, map[string]string{"status": "logged_out"})
}

// ChangePassword handles password changes
func ChangePassword(w http.ResponseWriter, r *http.Request) {
	session := GetSessionFromContext(r)
	if session == nil {
		jsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.NewPassword) < 6 {
		jsonError(w, "Password must be at least 6 characters", http.StatusBadRequest)
		return
	}

	var currentHash string
	db.DB.QueryRow("SELECT password_hash FROM users WHERE id = ?", session.UserID).Scan(&currentHash)
	if currentHash != HashPassword(req.CurrentPassword) {
		jsonError(w, "Current password is incorrect", http.StatusUnauthorized)
		return
	}

	_, err := db.DB.Exec(
		"UPDATE users SET password_hash = ? WHERE id = ?",
		HashPassword(req.NewPassword), session.UserID,
	)
	if err != nil {
		jsonError(w, "Failed to update password", http.StatusInternalServerError)
		return
	}

	log.Printf("🔑 Password changed: %s", session.Username)
	jsonResponse(w, map[string]string{"status": "password_changed"})
}

func jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode JSON response: %v", err)
	}
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
