// Package broadcast implements the request lifecycle engine: the
// authoritative store of broadcast requests and registered chats, the
// claim/unclaim/done/expire transition rules, the one-shot deadline
// scheduler, and the fan-out that keeps every delivered copy of a request
// in sync with its current state.
//
// All mutation goes through Store.Mutate, which serializes transitions and
// commits them to durable storage before they become visible. Transport is
// abstracted behind transport.Adapter; this package never imports telebot.
package broadcast
