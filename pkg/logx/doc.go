// Package logx is groupfeed's structured logging on top of zerolog.
//
// A Service owns the outputs: a readable console, a JSON file, and an
// operator chat that receives warnings and errors through the platform bot.
// Loggers carry fixed fields (component, worker, owner) and keep following
// the Service when its config is reloaded.
package logx
