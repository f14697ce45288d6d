package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/format"
	"github.com/hbomb79/Iris/internal/ledger"
	"github.com/hbomb79/Iris/internal/ytdlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func Test_Run_FallsBackToLegacyFormatsWhenListingFails(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	songURL := "https://media.test/evergreen.mp4"
	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", songFields(songURL)),
	}, nil).Once()
	harness.queue.On("Ack", "1-0").Return(nil).Once()

	// Listing is unavailable, so the download must request the
	// hard-coded pairing for the 1080 tier.
	harness.downloader.On("ListFormats", songURL).Return(nil, errExpected).Once()
	harness.downloader.On("Download", songURL, "137+140").Return("song-bytes", nil).Once()
	harness.prober.On("ProbeHeight", mock.Anything).Return(1080, nil).Once()

	srv := harness.start()
	assert.Nil(t, srv.Run(context.Background()))

	placed, _, _, _ := srv.LatestReport().Counts()
	assert.Equal(t, 1, placed)
	harness.assertExpectations()
}

func Test_Run_FallsBackWhenNoFormatsAreUsable(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	songURL := "https://media.test/evergreen.mp4"
	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", songFields(songURL)),
	}, nil).Once()
	harness.queue.On("Ack", "1-0").Return(nil).Once()

	// A listing with no audio candidates cannot be resolved; the
	// pipeline degrades to the last-resort pairing instead of failing.
	harness.downloader.On("ListFormats", songURL).Return(ytdlp.Listing{
		Title: "Evergreen Hit",
		Candidates: []format.Candidate{
			{ID: "137", Kind: format.Video, Height: 1080, Encoding: "avc1.640028"},
		},
	}, nil).Once()
	harness.downloader.On("Download", songURL, "137+140").Return("song-bytes", nil).Once()
	harness.prober.On("ProbeHeight", mock.Anything).Return(1080, nil).Once()

	srv := harness.start()
	assert.Nil(t, srv.Run(context.Background()))

	placed, _, _, _ := srv.LatestReport().Counts()
	assert.Equal(t, 1, placed)
	harness.assertExpectations()
}

func Test_Run_HonoursConfiguredLastResortAudio(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.config.LastResortAudioID = "251"

	songURL := "https://media.test/evergreen.mp4"
	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", songFields(songURL)),
	}, nil).Once()
	harness.queue.On("Ack", "1-0").Return(nil).Once()

	harness.downloader.On("ListFormats", songURL).Return(nil, errExpected).Once()
	harness.downloader.On("Download", songURL, "137+251").Return("song-bytes", nil).Once()
	harness.prober.On("ProbeHeight", mock.Anything).Return(1080, nil).Once()

	srv := harness.start()
	assert.Nil(t, srv.Run(context.Background()))
	harness.assertExpectations()
}

func Test_Run_HonoursConfiguredLastResortVideo(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.config.LastResortVideoIDs = map[string]string{"1080p": "399"}

	songURL := "https://media.test/evergreen.mp4"
	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", songFields(songURL)),
	}, nil).Once()
	harness.queue.On("Ack", "1-0").Return(nil).Once()

	harness.downloader.On("ListFormats", songURL).Return(nil, errExpected).Once()
	harness.downloader.On("Download", songURL, "399+140").Return("song-bytes", nil).Once()
	harness.prober.On("ProbeHeight", mock.Anything).Return(1080, nil).Once()

	srv := harness.start()
	assert.Nil(t, srv.Run(context.Background()))
	harness.assertExpectations()
}

func Test_Run_ClassifiesByRequestedTierWhenProbeFails(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	songURL := "https://media.test/evergreen.mp4"
	fields := songFields(songURL)
	fields["RES"] = "720"

	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", fields),
	}, nil).Once()
	harness.queue.On("Ack", "1-0").Return(nil).Once()

	harness.downloader.On("ListFormats", songURL).Return(nil, errExpected).Once()
	harness.downloader.On("Download", songURL, "136+140").Return("song-bytes", nil).Once()
	harness.prober.On("ProbeHeight", mock.Anything).Return(0, errExpected).Once()

	srv := harness.start()
	assert.Nil(t, srv.Run(context.Background()))

	// Probe failure files the artifact under the tier the producer asked for.
	assert.FileExists(t, filepath.Join(harness.songDir, "South", "720p", "Chiranjeevi", "Evergreen Hit.mp4"))
	placed, _, _, _ := srv.LatestReport().Counts()
	assert.Equal(t, 1, placed)
	harness.assertExpectations()
}

func Test_Run_ProbedHeightOverridesRequestedTier(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	songURL := "https://media.test/evergreen.mp4"
	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", songFields(songURL)),
	}, nil).Once()
	harness.queue.On("Ack", "1-0").Return(nil).Once()

	harness.downloader.On("ListFormats", songURL).Return(scrapedListing("Evergreen Hit"), nil).Once()
	harness.downloader.On("Download", songURL, "137+251").Return("song-bytes", nil).Once()

	// The source lied about its tier: the stream is really 2160 high, so
	// the artifact belongs in the 4k bucket despite the 1080 request.
	harness.prober.On("ProbeHeight", mock.Anything).Return(2160, nil).Once()

	srv := harness.start()
	assert.Nil(t, srv.Run(context.Background()))

	assert.FileExists(t, filepath.Join(harness.songDir, "South", "4k", "Chiranjeevi", "Evergreen Hit.mp4"))
	harness.assertExpectations()
}

func Test_Run_SkipsAlreadyPlacedJobs(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.config.SkipAlreadyPlaced = true
	harness.ledger = new(mockLedger)

	songURL := "https://media.test/evergreen.mp4"
	existing := &ledger.Placement{
		FinalPath: "/library/songs/South/1080p/Chiranjeevi/Evergreen Hit.mp4",
		PlacedAt:  time.Now().Add(-time.Hour),
	}

	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", songFields(songURL)),
	}, nil).Once()
	harness.queue.On("Ack", "1-0").Return(nil).Once()
	harness.ledger.On("FindPlacement", mock.Anything).Return(existing, nil).Once()
	harness.ledger.On("RecordBatch", mock.Anything).Return(nil).Once()

	srv := harness.start()
	assert.Nil(t, srv.Run(context.Background()))

	harness.downloader.AssertNotCalled(t, "ListFormats", mock.Anything)
	harness.downloader.AssertNotCalled(t, "Download", mock.Anything, mock.Anything)

	report := srv.LatestReport()
	_, skipped, _, _ := report.Counts()
	assert.Equal(t, 1, skipped)
	assert.Len(t, report.Outcomes, 1)
	assert.Equal(t, existing.FinalPath, report.Outcomes[0].Destination)
	harness.assertExpectations()
}

func Test_Run_RecordsPlacementsInLedger(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.config.SkipAlreadyPlaced = true
	harness.ledger = new(mockLedger)

	songURL := "https://media.test/evergreen.mp4"
	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", songFields(songURL)),
	}, nil).Once()
	harness.queue.On("Ack", "1-0").Return(nil).Once()

	harness.downloader.On("ListFormats", songURL).Return(scrapedListing("Evergreen Hit"), nil).Once()
	harness.downloader.On("Download", songURL, "137+251").Return("song-bytes", nil).Once()
	harness.prober.On("ProbeHeight", mock.Anything).Return(1080, nil).Once()

	harness.ledger.On("FindPlacement", mock.Anything).Return(nil, ledger.ErrPlacementNotFound).Once()
	harness.ledger.On("RecordPlacement", mock.MatchedBy(func(placement ledger.Placement) bool {
		return placement.Language == "Telugu" &&
			placement.Actor == "Chiranjeevi" &&
			placement.ContentType == "song" &&
			placement.RequestedHeight == 1080 &&
			placement.ProbedHeight != nil && *placement.ProbedHeight == 1080 &&
			placement.SourceURL == songURL &&
			filepath.Base(placement.FinalPath) == "Evergreen Hit.mp4"
	})).Return(nil).Once()
	harness.ledger.On("RecordBatch", mock.MatchedBy(func(batch ledger.Batch) bool {
		return batch.Received == 1 && batch.Placed == 1
	})).Return(nil).Once()

	srv := harness.start()
	assert.Nil(t, srv.Run(context.Background()))
	harness.assertExpectations()
}

func Test_Run_KeepsWorkDirStableAcrossDeliveries(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	songURL := "https://media.test/evergreen.mp4"
	redelivered := songFields(songURL)
	redelivered["RETRY"] = 1

	harness.allowLease()
	harness.allowLease()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "1-0", songFields(songURL)),
	}, nil).Once()
	harness.queue.On("Drain", mock.Anything, mock.Anything).Return([]broker.Message{
		queuedMessage(t, "2-0", redelivered),
	}, nil).Once()
	harness.queue.On("Publish", mock.Anything).Return(nil).Twice()
	harness.queue.On("Ack", mock.Anything).Return(nil).Twice()
	harness.downloader.On("ListFormats", songURL).Return(nil, errExpected).Twice()
	harness.downloader.On("Download", songURL, "137+140").Return("", errExpected).Twice()

	srv := harness.start()
	jobsDir := filepath.Join(harness.config.WorkDir, "jobs")

	// First delivery fails and is requeued; its work dir must survive so
	// the resumed attempt can pick up partial fragments.
	assert.Nil(t, srv.Run(context.Background()))
	first, err := os.ReadDir(jobsDir)
	assert.Nil(t, err)
	assert.Len(t, first, 1)

	marker := filepath.Join(jobsDir, first[0].Name(), "partial.part")
	assert.Nil(t, os.WriteFile(marker, []byte("fragment"), 0o644))

	// The redelivered message carries a bumped retry counter but the same
	// identity, so it lands in the same directory and finds the marker.
	assert.Nil(t, srv.Run(context.Background()))
	second, err := os.ReadDir(jobsDir)
	assert.Nil(t, err)
	assert.Len(t, second, 1)
	assert.Equal(t, first[0].Name(), second[0].Name())
	assert.FileExists(t, marker)
	harness.assertExpectations()
}
