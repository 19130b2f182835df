package banner

import (
	"fmt"
	"strings"

	"holocron/pkg/config"
)

const banner = `
██╗  ██╗ ██████╗ ██╗      ██████╗  ██████╗██████╗  ██████╗ ███╗   ██╗
██║  ██║██╔═══██╗██║     ██╔═══██╗██╔════╝██╔══██╗██╔═══██╗████╗  ██║
███████║██║   ██║██║     ██║   ██║██║     ██████╔╝██║   ██║██╔██╗ ██║
██╔══██║██║   ██║██║     ██║   ██║██║     ██╔══██╗██║   ██║██║╚██╗██║
██║  ██║╚██████╔╝███████╗╚██████╔╝╚██████╗██║  ██║╚██████╔╝██║ ╚████║
╚═╝  ╚═╝ ╚═════╝ ╚══════╝ ╚═════╝  ╚═════╝╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═══╝
`

// Print writes the startup banner with explicit fields. Newer callers pass
// an effective config to PrintWithEff so the checklist can inspect runtime
// settings centrally.
func Print(addr, dbPath, sources, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X PUT 'http://localhost%s/v1/db/characters/docs/character:rey' -d '{\"type\":\"character\",\"name\":\"Rey\"}'\n", addr)
	fmt.Printf("curl -X POST 'http://localhost%s/v1/db/messages/find' -d '{\"eq\":{\"type\":\"message\"}}'\n", addr)
}

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides richer context (config, addr, dbpath, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	var addr = eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	var dbPath = eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Storage.DBPath
	}
	var src = eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config: %s\n", src)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("curl -X PUT 'http://<host>:<port>/v1/db/characters/docs/character:rey' -d '{\"type\":\"character\",\"name\":\"Rey\"}'")
	fmt.Println("curl 'http://<host>:<port>/v1/db/messages/changes?since=0&limit=100'")
	fmt.Println("\n== Production? =================================================")
	// API keys
	be := 0
	fe := 0
	ak := 0
	if eff.Config != nil {
		be = len(eff.Config.Security.APIKeys.Backend)
		fe = len(eff.Config.Security.APIKeys.Frontend)
		ak = len(eff.Config.Security.APIKeys.Admin)
	}
	if be > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", be)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for backend services)")
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", fe)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (required for admin tooling)")
	}

	// TLS
	tlsOK := false
	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		tlsOK = true
	}
	if tlsOK {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	// DB path
	if eff.DBPath != "" {
		fmt.Printf("- DB Path: %s\n", eff.DBPath)
	} else {
		fmt.Println("- DB Path: not set (use --db or HOLOCRON_DB_PATH)")
	}

	// Sync
	syncOn := false
	peer := ""
	colls := ""
	if eff.Config != nil {
		syncOn = eff.Config.Sync.Enabled
		peer = strings.TrimSpace(eff.Config.Sync.Peer)
		colls = strings.Join(eff.Config.Sync.Collections, ",")
	}
	if syncOn {
		if peer == "" {
			fmt.Println("- Sync: enabled (NO PEER CONFIGURED)")
		} else if colls != "" {
			fmt.Printf("- Sync: enabled (peer=%s collections=%s)\n", peer, colls)
		} else {
			fmt.Printf("- Sync: enabled (peer=%s)\n", peer)
		}
	} else {
		fmt.Println("- Sync: disabled")
	}

	// Retention
	retEnabled := false
	retInfo := ""
	if eff.Config != nil {
		retEnabled = eff.Config.Retention.Enabled
		if retEnabled && eff.Config.Retention.Cron != "" {
			retInfo = "cron=" + eff.Config.Retention.Cron
		}
	}
	if retEnabled {
		if retInfo != "" {
			fmt.Printf("- Retention: enabled (%s)\n", retInfo)
		} else {
			fmt.Println("- Retention: enabled")
		}
	} else {
		fmt.Println("- Retention: disabled")
	}

	fmt.Println("\n== Logs: =================================================")
}
