// Package usage records token and cost figures reported by the AI tool.
package usage
