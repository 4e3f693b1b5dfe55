// Package imageconv turns imgjail frames into standard library images.
package imageconv
