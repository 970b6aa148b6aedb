package services

import (
	"context"
	"sort"
	"testing"
)

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry()
	if r.Known("email.reply") {
		t.Fatal("empty registry must know nothing")
	}

	r.Register("email.reply", ActionHandlerFunc(func(context.Context, string, map[string]any, map[string]any) (Result, error) {
		return Result{Message: "sent"}, nil
	}))
	r.Register("webhook.post", ActionHandlerFunc(func(context.Context, string, map[string]any, map[string]any) (Result, error) {
		return Result{}, nil
	}))

	h, ok := r.Resolve("email.reply")
	if !ok {
		t.Fatal("registered handler must resolve")
	}
	res, err := h.Execute(context.Background(), "", nil, nil)
	if err != nil || res.Message != "sent" {
		t.Fatalf("Execute() = (%+v, %v)", res, err)
	}

	if _, ok := r.Resolve("calendar.create"); ok {
		t.Fatal("unregistered type must not resolve")
	}

	types := r.Types()
	sort.Strings(types)
	if len(types) != 2 || types[0] != "email.reply" || types[1] != "webhook.post" {
		t.Fatalf("Types() = %v", types)
	}
}
