package main

// Notifier blank imports: the agent builds the same notifiers as the server
// from a shared config, so it links every adapter the server links.

import (
	_ "github.com/Strob0t/TaskForge/internal/adapter/discord"
	_ "github.com/Strob0t/TaskForge/internal/adapter/email"
	_ "github.com/Strob0t/TaskForge/internal/adapter/slack"
)
