// Command annotate is a terminal remote for labeling fall windows during a
// capture. It connects to a running fallmark daemon over HTTP, shows the
// live session state, and flips the annotation label with single
// keystrokes so the operator can mark falls without leaving the keyboard.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fallmark-data/fallmark/internal/httputil"
	"github.com/fallmark-data/fallmark/internal/version"
)

var (
	addr        = flag.String("addr", "http://localhost:8080", "Base URL of the capture daemon")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("annotate %s (%s) built %s\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	baseURL := strings.TrimRight(*addr, "/")
	client := httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Second})

	program := tea.NewProgram(NewModel(client, baseURL), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		log.Fatalf("annotate: %v", err)
	}
}
