package prescriptions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
	"github.com/drfirst/go-medremind/internal/fhir/r5"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fhirServer(t *testing.T, handler http.HandlerFunc) *HTTPSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	src := NewHTTPSource(HTTPSourceConfig{BaseURL: srv.URL + "/fhir/", Token: "secret", MaxTries: 2}, nil, nil)
	src.now = func() time.Time { return testNow }
	return src
}

func serveFile(t *testing.T, path string) http.HandlerFunc {
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", fhirJSON)
		_, _ = w.Write(body)
	}
}

func TestHTTPSource_ListActivePrescriptions(t *testing.T) {
	var gotQuery, gotAuth string
	file := serveFile(t, "testdata/medication_requests.json")
	src := fhirServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/fhir/MedicationRequest", r.URL.Path)
		file(w, r)
	})

	rx, err := src.ListActivePrescriptions(context.Background(), "patient-1")
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "subject=Patient%2Fpatient-1")
	assert.Contains(t, gotQuery, "status=active")
	assert.Equal(t, "Bearer secret", gotAuth)

	require.Len(t, rx, 1, "completed and as-needed requests are not scheduled")
	p := rx[0]
	assert.Equal(t, "rx-1001", p.ID)
	assert.Equal(t, reminder.PrescriptionActive, p.Status)
	require.Len(t, p.Medications, 2)

	lisinopril, metformin := p.Medications[0], p.Medications[1]
	assert.Equal(t, "Lisinopril", lisinopril.Name)
	assert.Equal(t, []string{"07:30:00", "19:30:00"}, lisinopril.DoseTimes)
	assert.Equal(t, 2, lisinopril.FrequencyPerDay)
	require.NotNil(t, lisinopril.EndDate)

	assert.Equal(t, "Metformin", metformin.Name)
	assert.Equal(t, "500 mg", metformin.Dosage)
	assert.Equal(t, 2, metformin.FrequencyPerDay)
	assert.Equal(t, 3, metformin.RefillsRemaining)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), metformin.StartDate)
}

func TestHTTPSource_FollowsPaging(t *testing.T) {
	var srvURL string
	page := func(id, next string) string {
		link := ""
		if next != "" {
			link = `"link":[{"relation":"next","url":"` + next + `"}],`
		}
		return `{"resourceType":"Bundle","type":"searchset",` + link + `"entry":[{"resource":{
			"resourceType":"MedicationRequest","id":"` + id + `","status":"active",
			"medication":{"concept":{"text":"` + id + `"}},"subject":{"reference":"Patient/p"},
			"dosageInstruction":[{"timing":{"repeat":{"frequency":1,"period":1,"periodUnit":"d"}}}]}}]}`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(page("second", "")))
			return
		}
		_, _ = w.Write([]byte(page("first", srvURL+"/MedicationRequest?page=2")))
	}))
	defer srv.Close()
	srvURL = srv.URL

	src := NewHTTPSource(HTTPSourceConfig{BaseURL: srv.URL}, nil, nil)
	rx, err := src.ListActivePrescriptions(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, rx, 2)
	assert.Equal(t, "first", rx[0].ID)
	assert.Equal(t, "second", rx[1].ID)
}

func TestHTTPSource_ArrayResponse(t *testing.T) {
	src := fhirServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"resourceType":"MedicationRequest","id":"a","status":"active",
			"medication":{"concept":{"text":"A"}},"subject":{"reference":"Patient/p"},
			"dosageInstruction":[{"timing":{"repeat":{"frequency":3,"period":1,"periodUnit":"d"}}}]}]`))
	})

	rx, err := src.ListActivePrescriptions(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, rx, 1)
	assert.Equal(t, 3, rx[0].Medications[0].FrequencyPerDay)
}

func TestHTTPSource_Errors(t *testing.T) {
	var calls atomic.Int32
	src := fhirServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := src.ListActivePrescriptions(context.Background(), "p")
	assert.ErrorIs(t, err, reminder.ErrTransportFailure)
	assert.Equal(t, int32(2), calls.Load(), "server errors are retried")

	calls.Store(0)
	src = fhirServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})
	_, err = src.ListActivePrescriptions(context.Background(), "p")
	assert.ErrorIs(t, err, reminder.ErrRejected)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestHTTPSource_PatientContact(t *testing.T) {
	file := serveFile(t, "testdata/patient.json")
	src := fhirServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fhir/Patient/patient-1", r.URL.Path)
		file(w, r)
	})

	contact, err := src.PatientContact(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.Equal(t, "work@example.com", contact.Email, "lowest rank wins, old addresses are skipped")
	assert.Equal(t, "+15551234567", contact.Phone)

	src = fhirServer(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	_, err = src.PatientContact(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFromMedicationRequests_Status(t *testing.T) {
	expired := testNow.Add(-24 * time.Hour)
	daily := []r5.Dosage{{Timing: &r5.Timing{Repeat: &r5.TimingRepeat{Frequency: 1, Period: 1, PeriodUnit: "d"}}}}

	reqs := []r5.MedicationRequest{
		{ID: "expired", Status: r5.StatusActive, DosageInstruction: daily,
			DispenseRequest: &r5.DispenseRequest{ValidityPeriod: &r5.Period{End: &expired}}},
		{ID: "stopped", Status: r5.StatusStopped, DosageInstruction: daily},
		{ID: "a1", Status: r5.StatusCancelled, DosageInstruction: daily, GroupIdentifier: &r5.Identifier{Value: "g"}},
		{ID: "a2", Status: r5.StatusActive, DosageInstruction: daily, GroupIdentifier: &r5.Identifier{Value: "g"}},
	}

	rx := FromMedicationRequests(reqs, testNow)
	require.Len(t, rx, 3)
	assert.Equal(t, reminder.PrescriptionExpired, rx[0].Status)
	assert.Equal(t, reminder.PrescriptionCancelled, rx[1].Status)
	assert.Equal(t, reminder.PrescriptionActive, rx[2].Status)
	require.Len(t, rx[2].Medications, 1, "cancelled members of an active group are dropped")
	assert.Equal(t, "a2", rx[2].Medications[0].ID)
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource()
	src.Set("p", reminder.Prescription{ID: "1", Status: reminder.PrescriptionActive},
		reminder.Prescription{ID: "2", Status: reminder.PrescriptionCancelled})
	src.SetContact("p", reminder.Contact{Email: "p@example.com"})

	rx, err := src.ListActivePrescriptions(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, rx, 1)

	boom := errors.New("ehr down")
	src.Fail(boom)
	_, err = src.ListActivePrescriptions(context.Background(), "p")
	assert.ErrorIs(t, err, boom)
}
