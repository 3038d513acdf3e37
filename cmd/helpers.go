package cmd

import "grimm.is/floe/internal/i18n"

// Printer is the localized printer shared by all commands.
var Printer = i18n.NewCLIPrinter()
