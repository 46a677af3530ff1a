package handlers

import (
	"net/http"

	"github.com/sshbox/sshbox/internal/config"
	"github.com/sshbox/sshbox/internal/database"
	"github.com/sshbox/sshbox/internal/provisioner"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	provStatus := "disconnected"
	provBackend := "none"
	if prov := provisioner.Get(config.Cfg.Provisioner); prov != nil {
		provStatus = "connected"
		provBackend = prov.BackendName()
	}

	status := "healthy"
	if dbStatus != "connected" || provStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":              status,
		"provisioner":         provStatus,
		"provisioner_backend": provBackend,
		"database":            dbStatus,
	})
}
