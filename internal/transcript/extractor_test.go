package transcript_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/rollcall/internal/transcript"
)

func TestExtractor_FromText(t *testing.T) {
	t.Parallel()

	e := transcript.NewExtractor(transcript.WithAliases("Rachel Teacher", "Morah Rachel"))

	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{
			name:   "first speaker",
			text:   "Dana Cohen (00:01:12): hi, can you hear me?\nRachel Teacher (00:01:15): yes",
			want:   "Dana Cohen",
			wantOK: true,
		},
		{
			name:   "teacher speaks first",
			text:   "Rachel Teacher (00:00:01): hello\nNoa (00:00:05): hi",
			want:   "Noa",
			wantOK: true,
		},
		{
			name:   "partial alias label excluded",
			text:   "Rachel (0:01): hello\nMaya (0:02): hi",
			want:   "Maya",
			wantOK: true,
		},
		{
			name:   "alias matching is case-insensitive",
			text:   "RACHEL TEACHER (0:01): hello\nTal (0:02): hi",
			want:   "Tal",
			wantOK: true,
		},
		{
			name:   "bom and bidi controls stripped",
			text:   "\ufeff\u200fדניאל כהן\u200e (00:00:03): שלום",
			want:   "דניאל כהן",
			wantOK: true,
		},
		{
			name:   "dotted timestamp and CRLF",
			text:   "Ofir Levi (1.05): hey\r\n",
			want:   "Ofir Levi",
			wantOK: true,
		},
		{
			name:   "device suffix cleaned",
			text:   "Dana's iPhone (00:00:10): hi",
			want:   "Dana",
			wantOK: true,
		},
		{
			name:   "lowercase latin title-cased",
			text:   "yael (00:00:10): hi",
			want:   "Yael",
			wantOK: true,
		},
		{
			name:   "label that cleans to nothing is skipped",
			text:   "0541234567 (00:00:01): hello\nGal (00:00:02): hi",
			want:   "Gal",
			wantOK: true,
		},
		{
			name:   "lines without timestamp ignored",
			text:   "Notes: lesson 4\nDana (notes): x\nAmit (0:10): hi",
			want:   "Amit",
			wantOK: true,
		},
		{
			name:   "only teacher speaks",
			text:   "Rachel Teacher (00:00:01): hello\nMorah Rachel (00:00:02): anyone?",
			wantOK: false,
		},
		{
			name:   "empty text",
			text:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := e.FromText(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("FromText: ok = %v, want %v (got name %q)", ok, tt.wantOK, got)
			}
			if got != tt.want {
				t.Errorf("FromText: name = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractor_MaxLines(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for range 30 {
		b.WriteString("Rachel (00:00:01): talking\n")
	}
	b.WriteString("Dana (00:05:00): finally\n")
	text := b.String()

	e := transcript.NewExtractor(transcript.WithAliases("Rachel"))
	if got, ok := e.FromText(text); ok {
		t.Errorf("FromText with default cap: got %q, want no candidate", got)
	}

	wide := transcript.NewExtractor(transcript.WithAliases("Rachel"), transcript.WithMaxLines(31))
	if got, ok := wide.FromText(text); !ok || got != "Dana" {
		t.Errorf("FromText with cap 31: got (%q, %v), want (%q, true)", got, ok, "Dana")
	}
}

func TestExtractor_FromTitle(t *testing.T) {
	t.Parallel()

	e := transcript.NewExtractor(transcript.WithAliases("Rachel"))

	tests := []struct {
		title  string
		want   string
		wantOK bool
	}{
		{"Lesson with Noa Levi - March 3", "Noa Levi", true},
		{"Singing lesson with dana | Zoom", "Dana", true},
		{"Trial (with Omer, first time)", "Omer", true},
		{"שיעור עם נועה | זום", "נועה", true},
		{"Lesson with Rachel", "", false},
		{"Weekly lesson", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := e.FromTitle(tt.title)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("FromTitle(%q) = (%q, %v), want (%q, %v)", tt.title, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestExtractor_Extract(t *testing.T) {
	t.Parallel()

	e := transcript.NewExtractor(transcript.WithAliases("Rachel"))

	t.Run("speaker path", func(t *testing.T) {
		t.Parallel()
		got, ok := e.Extract(transcript.Transcript{
			Text:  "Maya (0:01): hi",
			Title: "Lesson with Someone Else",
		})
		if !ok {
			t.Fatal("Extract: expected a candidate")
		}
		if got.Name != "Maya" || got.Path != transcript.PathSpeaker {
			t.Errorf("Extract = %+v, want Maya via speaker", got)
		}
	})

	t.Run("title fallback", func(t *testing.T) {
		t.Parallel()
		got, ok := e.Extract(transcript.Transcript{
			Text:  "Rachel (0:01): hello?",
			Title: "Lesson with Itay - week 2",
		})
		if !ok {
			t.Fatal("Extract: expected a candidate")
		}
		if got.Name != "Itay" || got.Path != transcript.PathTitle {
			t.Errorf("Extract = %+v, want Itay via title", got)
		}
	})

	t.Run("no candidate", func(t *testing.T) {
		t.Parallel()
		if got, ok := e.Extract(transcript.Transcript{Text: "no dialogue"}); ok {
			t.Errorf("Extract = %+v, want no candidate", got)
		}
	})
}
