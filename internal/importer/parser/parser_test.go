package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chatimport/internal/failure"
)

func readAll(t *testing.T, input string, opts Options) ([]Record, Stats) {
	t.Helper()
	r, err := NewReader(strings.NewReader(input), opts)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var out []Record
	for {
		rec, ok := r.Next()
		if !ok {
			break
		}
		out = append(out, rec)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	return out, r.Stats()
}

func TestHeaderlessExport(t *testing.T) {
	input := "07/04/25,7:52 am,Alice,Hello,Hi\n07/04/25,8:05 pm,Bob,,Good evening\n"
	recs, stats := readAll(t, input, Options{})
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	first := recs[0]
	if first.Text != "Hi" || first.OriginalText != "Hello" || !first.Translated {
		t.Fatalf("first record = %+v", first)
	}
	if want := time.Date(2025, 7, 4, 7, 52, 0, 0, time.UTC); !first.Timestamp.Equal(want) {
		t.Fatalf("first timestamp = %v, want %v", first.Timestamp, want)
	}
	second := recs[1]
	if second.Text != "Good evening" || second.OriginalText != "Good evening" || second.Translated {
		t.Fatalf("second record = %+v", second)
	}
	if want := time.Date(2025, 7, 4, 20, 5, 0, 0, time.UTC); !second.Timestamp.Equal(want) {
		t.Fatalf("second timestamp = %v, want %v", second.Timestamp, want)
	}
	if first.Line != 1 || second.Line != 2 {
		t.Fatalf("lines = %d,%d", first.Line, second.Line)
	}
	if stats.Accepted != 2 || stats.Skipped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.BySender["Alice"] != 1 || stats.BySender["Bob"] != 1 {
		t.Fatalf("by sender = %v", stats.BySender)
	}
	if !stats.Earliest.Equal(first.Timestamp) || !stats.Latest.Equal(second.Timestamp) {
		t.Fatalf("range = %v..%v", stats.Earliest, stats.Latest)
	}
}

func TestHeaderAliasesAndOrder(t *testing.T) {
	input := "\ufeffAuthor,Text,Date,Time\n" +
		"Carol,morning,12/31/2024,12:00 am\n" +
		"Carol,noon,12/31/2024,12:00 pm\n"
	recs, _ := readAll(t, input, Options{})
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].Sender != "Carol" || recs[0].Text != "morning" {
		t.Fatalf("record = %+v", recs[0])
	}
	if h := recs[0].Timestamp.Hour(); h != 0 {
		t.Fatalf("12 am hour = %d, want 0", h)
	}
	if h := recs[1].Timestamp.Hour(); h != 12 {
		t.Fatalf("12 pm hour = %d, want 12", h)
	}
	if recs[0].Line != 2 {
		t.Fatalf("line = %d, want 2", recs[0].Line)
	}
}

func TestMissingHeaderColumns(t *testing.T) {
	_, err := NewReader(strings.NewReader("when,who,what\n1,2,3\n"), Options{})
	if !failure.Is(err, failure.KindUnsupportedFormat) {
		t.Fatalf("expected UnsupportedFormat, got %v", err)
	}
	if !strings.Contains(failure.DetailsOf(err), "date") {
		t.Fatalf("details should name missing columns: %q", failure.DetailsOf(err))
	}
}

func TestSkipsIncompleteRows(t *testing.T) {
	input := strings.Join([]string{
		"date,time,sender,message,translated_message",
		"07/04/25,7:52 am,Alice,Hello,",
		"02/30/25,7:52 am,Alice,bad date,",
		"07/04/25,25:00,Alice,bad time,",
		"07/04/25,9:00 am,,no sender,",
		"07/04/25,9:00 am,Bob,,",
		"07/04/25",
		"",
		"07/05/25,13:15,Bob,twenty four hour,",
	}, "\n")
	recs, stats := readAll(t, input, Options{})
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %+v", len(recs), recs)
	}
	if stats.Skipped != 5 {
		t.Fatalf("skipped = %d, want 5", stats.Skipped)
	}
	if recs[1].Timestamp.Hour() != 13 || recs[1].Timestamp.Minute() != 15 {
		t.Fatalf("24h time parsed as %v", recs[1].Timestamp)
	}
}

func TestUnicodeSpacesAndDottedMeridiem(t *testing.T) {
	input := "07/04/25,7:52\u00a0p.m.,Alice\u202fSmith,hi\n"
	recs, _ := readAll(t, input, Options{})
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].Sender != "Alice Smith" {
		t.Fatalf("sender = %q", recs[0].Sender)
	}
	if recs[0].Timestamp.Hour() != 19 {
		t.Fatalf("hour = %d, want 19", recs[0].Timestamp.Hour())
	}
}

func TestLocationConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	recs, _ := readAll(t, "07/04/25,7:52 am,Alice,Hello\n", Options{Location: loc})
	if want := time.Date(2025, 7, 4, 5, 52, 0, 0, time.UTC); !recs[0].Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", recs[0].Timestamp, want)
	}
	if recs[0].Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp not normalised to UTC")
	}
}

func TestTranslatedSameAsOriginal(t *testing.T) {
	recs, _ := readAll(t, "07/04/25,7:52 am,Alice,Hello,Hello\n", Options{})
	if recs[0].Translated {
		t.Fatalf("identical translation must not be marked translated")
	}
}

func TestEmptyInput(t *testing.T) {
	recs, stats := readAll(t, "", Options{})
	if len(recs) != 0 || stats.Accepted != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
	recs, _ = readAll(t, "date,time,sender,message\n", Options{})
	if len(recs) != 0 {
		t.Fatalf("header only: got %d records", len(recs))
	}
}

type failingReader struct{ data *strings.Reader }

var errDisk = errors.New("disk gone")

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.data.Read(p)
	if err != nil {
		return n, errDisk
	}
	return n, nil
}

func TestReadErrorSurfaces(t *testing.T) {
	r, err := NewReader(&failingReader{data: strings.NewReader("07/04/25,7:52 am,Alice,Hello\n07/04/25,7:53 am,Alice,again\n")}, Options{})
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	for {
		if _, ok := r.Next(); !ok {
			break
		}
	}
	if !errors.Is(r.Err(), errDisk) {
		t.Fatalf("Err = %v, want disk error", r.Err())
	}
}

func TestParseClock(t *testing.T) {
	cases := []struct {
		in        string
		h, m, s   int
		wantValid bool
	}{
		{"7:52 am", 7, 52, 0, true},
		{"7:52AM", 7, 52, 0, true},
		{"12:01 am", 0, 1, 0, true},
		{"11:59:30 pm", 23, 59, 30, true},
		{"0:15", 0, 15, 0, true},
		{"13:00 pm", 0, 0, 0, false},
		{"0:15 am", 0, 0, 0, false},
		{"7:5 am", 0, 0, 0, false},
		{"7 am", 0, 0, 0, false},
		{"", 0, 0, 0, false},
	}
	for _, tc := range cases {
		h, m, s, ok := parseClock(tc.in)
		if ok != tc.wantValid {
			t.Fatalf("parseClock(%q) ok = %v", tc.in, ok)
		}
		if ok && (h != tc.h || m != tc.m || s != tc.s) {
			t.Fatalf("parseClock(%q) = %d:%d:%d", tc.in, h, m, s)
		}
	}
}

func TestParseDate(t *testing.T) {
	if y, mo, d, ok := parseDate("02/29/24"); !ok || y != 2024 || mo != time.February || d != 29 {
		t.Fatalf("leap day: %d-%d-%d %v", y, mo, d, ok)
	}
	for _, bad := range []string{"02/29/25", "13/01/25", "7/4/025", "2025-07-04", "07-04-25"} {
		if _, _, _, ok := parseDate(bad); ok {
			t.Fatalf("parseDate(%q) should fail", bad)
		}
	}
}
