// Package archive reads WhatsApp chat export zip files. It locates the chat
// transcript and collects audio attachments in archive order.
package archive
