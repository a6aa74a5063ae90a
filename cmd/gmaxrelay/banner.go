package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func printStartupBanner(cfg appConfig, listenAddr string, plugin SinkPlugin) {
	fmt.Println(renderStartupBanner(cfg, listenAddr, plugin))
}

func renderStartupBanner(cfg appConfig, listenAddr string, plugin SinkPlugin) string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔╦╗╔═╗═╗ ╦  ┬─┐┌─┐┬  ┌─┐┬ ┬
    ║ ╦║║║╠═╣╔╩╦╝  ├┬┘├┤ │  ├─┤└┬┘
    ╚═╝╩ ╩╩ ╩╩ ╚═  ┴└─└─┘┴─┘┴ ┴ ┴ `)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Intake
	lines = append(lines, bold.Render("    Intake"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  UDP Listener   %s", check, cyan.Render(listenAddr)))
	lines = append(lines, fmt.Sprintf("    %s  Max Datagram   %s", check, dim.Render(fmt.Sprintf("%d bytes, %s", cfg.MaxDatagramSize, cfg.OversizePolicy))))
	queue := cfg.QueueMode
	if cfg.QueueMode != defaultQueueMode {
		queue = fmt.Sprintf("%s (capacity %d)", cfg.QueueMode, cfg.QueueCapacity)
	}
	lines = append(lines, fmt.Sprintf("    %s  Queue          %s", check, dim.Render(queue)))
	if cfg.JournalPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Journal        %s", check, dim.Render(shortenPath(cfg.JournalPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Journal        %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	// Delivery
	lines = append(lines, bold.Render("    Delivery"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Sink           %s %s", check, cyan.Render(plugin.Name()), dim.Render(plugin.Target())))
	lines = append(lines, fmt.Sprintf("    %s  Destination    %s", check, cyan.Render(cfg.Destination)))
	lines = append(lines, fmt.Sprintf("    %s  Encoding       %s", check, dim.Render(cfg.Encoding)))
	lines = append(lines, fmt.Sprintf("    %s  Error Policy   %s", check, dim.Render(cfg.ErrorPolicy)))
	lines = append(lines, "")

	// Gateway
	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")
	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	return strings.Join(lines, "\n")
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
