package handler

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/autograder/internal/model"
)

const authRealm = `Basic realm="autograder"`

// requireGrader is middleware that checks HTTP basic credentials against the
// grader accounts and stores the grader in context.
func (h *Handler) requireGrader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			unauthorized(w)
			return
		}

		grader, err := h.store.GetGraderByUsername(r.Context(), username)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if grader == nil || !grader.Active {
			unauthorized(w)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(grader.PasswordHash), []byte(password)); err != nil {
			unauthorized(w)
			return
		}

		ctx := model.ContextWithGrader(r.Context(), grader)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", authRealm)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// HashPassword returns the bcrypt hash stored for a grader account.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
