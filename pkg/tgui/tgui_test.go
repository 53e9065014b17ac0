package tgui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"groupfeed/internal/transport"
	"groupfeed/internal/transport/transporttest"
)

func TestCaption(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"  short  ", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"hello world and more", 6, "hello..."},
		{"ééééé", 3, "ééé..."},
		{"anything", 0, "anything"},
	}
	for _, c := range cases {
		if got := Caption(c.in, c.limit); got != c.want {
			t.Fatalf("Caption(%q, %d) = %q, want %q", c.in, c.limit, got, c.want)
		}
	}

	long := strings.Repeat("x", 2000)
	got := Caption(long, 950)
	if utf8.RuneCountInString(got) != 953 || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected long caption length %d", utf8.RuneCountInString(got))
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("héllo", 2); got != "hé…" {
		t.Fatalf("got %q", got)
	}
	if got := TruncRunes("hi", 5); got != "hi" {
		t.Fatalf("got %q", got)
	}
}

func TestCallbackData(t *testing.T) {
	d := Data("retry", "send", "12", "-1001", "0")
	if d != "retry:send:12:-1001:0" {
		t.Fatalf("data = %q", d)
	}
	cb, ok := ParseData(d)
	if !ok || cb.NS != "retry" || cb.Action != "send" || len(cb.Args) != 3 {
		t.Fatalf("parse = %+v ok=%v", cb, ok)
	}
	if v, ok := cb.Int64(1); !ok || v != -1001 {
		t.Fatalf("arg = %d ok=%v", v, ok)
	}
	if _, ok := cb.Int64(5); ok {
		t.Fatalf("out of range arg must fail")
	}
	if _, ok := ParseData("nocolon"); ok {
		t.Fatalf("expected parse failure")
	}
	if err := CheckData(strings.Repeat("a", MaxCallbackDataLen+1)); err != ErrCallbackDataTooLong {
		t.Fatalf("expected too long, got %v", err)
	}
}

func TestBuilderHTML(t *testing.T) {
	kb := NewInline().Row(Btn("Yes", "a:yes"), Btn("No", "a:no"))
	m := New().Title("📥", "Submission").KV("ID", "<7>").Inline(kb).Build()
	if m.Content.Kind != transport.ContentText {
		t.Fatalf("kind = %q", m.Content.Kind)
	}
	want := "📥 <b>Submission</b>\n<b>ID</b>: &lt;7&gt;"
	if m.Content.Text != want {
		t.Fatalf("text = %q", m.Content.Text)
	}
	if m.Opt.ParseMode != "HTML" || !m.Opt.DisablePreview || len(m.Opt.Buttons) != 1 || len(m.Opt.Buttons[0]) != 2 {
		t.Fatalf("opts = %+v", m.Opt)
	}
}

func TestBuilderMedia(t *testing.T) {
	m := New().Media(transport.ContentPhoto, "file-1").Line("cap").Build()
	if m.Content.Kind != transport.ContentPhoto || m.Content.FileID != "file-1" || m.Content.Text != "cap" {
		t.Fatalf("content = %+v", m.Content)
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	p := NewPage(1, 2, len(items))
	if got := Slice(items, p); len(got) != 2 || got[0] != 3 || !p.HasPrev() || !p.HasNext() {
		t.Fatalf("page = %v prev=%v next=%v", got, p.HasPrev(), p.HasNext())
	}
	last := NewPage(9, 2, len(items))
	if last.Index != 2 || last.HasNext() || last.Label() != "Page 3/3 • 5–5 of 5" {
		t.Fatalf("last = %+v label %q", last, last.Label())
	}
	if got := Slice(items, last); len(got) != 1 || got[0] != 5 {
		t.Fatalf("last slice = %v", got)
	}
	empty := NewPage(0, 0, 0)
	if empty.Size != 10 || empty.Count() != 1 || empty.Label() != "Page 1/1" || len(Slice([]int{}, empty)) != 0 {
		t.Fatalf("empty = %+v", empty)
	}
}

func TestSendRejectsOversizedCallbackData(t *testing.T) {
	conn := transporttest.NewConn(transport.Identity{ID: 1})
	kb := Confirm(Btn("Yes", Data("main", "delok", strings.Repeat("9", 70))), Btn("No", "main:back"))
	_, err := New().Line("Sure?").Inline(kb).Build().Send(context.Background(), conn, transport.Target{ChatID: 5})
	if !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("err = %v", err)
	}
	if len(conn.AllSent()) != 0 {
		t.Fatalf("oversized keyboard reached the transport")
	}
	if _, err := Text("ok").Send(context.Background(), conn, transport.Target{ChatID: 5}); err != nil || len(conn.AllSent()) != 1 {
		t.Fatalf("plain send: %v", err)
	}
}
