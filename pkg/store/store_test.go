package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type StoreTestSuite struct {
	suite.Suite
	store Store
}

func (s *StoreTestSuite) SetupTest() {
	st, err := New(Config{Driver: "sqlite", DSN: ":memory:", AutoMigrate: true})
	s.Require().NoError(err)
	s.store = st
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (s *StoreTestSuite) TestCreateAndFinalizeRecording() {
	id, err := s.store.CreateRecording(Recording{CameraIdentifier: "cam1", StartTime: time.Now(), Trigger: "motion"})
	s.Require().NoError(err)
	s.NotZero(id)

	err = s.store.FinalizeRecording(id, time.Now(), "/clips/cam1-1.mp4")
	s.Require().NoError(err)
}

func (s *StoreTestSuite) TestUpsertFileThenQueryOlderThan() {
	past := time.Now().Add(-time.Hour)
	id, err := s.store.UpsertFile(File{CameraIdentifier: "cam1", Path: "/tier0/seg1.mp4", Tier: "tier0", SizeBytes: 1024, CreatedAt: past})
	s.Require().NoError(err)
	s.NotZero(id)

	files, err := s.store.FilesOlderThan(time.Now(), "tier0")
	s.Require().NoError(err)
	s.Require().Len(files, 1)
	s.Equal("/tier0/seg1.mp4", files[0].Path)
}

func (s *StoreTestSuite) TestTotalSizeForTier() {
	_, err := s.store.UpsertFile(File{CameraIdentifier: "cam1", Path: "/tier0/a.mp4", Tier: "tier0", SizeBytes: 100, CreatedAt: time.Now()})
	s.Require().NoError(err)
	_, err = s.store.UpsertFile(File{CameraIdentifier: "cam1", Path: "/tier0/b.mp4", Tier: "tier0", SizeBytes: 200, CreatedAt: time.Now()})
	s.Require().NoError(err)

	total, err := s.store.TotalSizeForTier("tier0")
	s.Require().NoError(err)
	s.EqualValues(300, total)
}

func (s *StoreTestSuite) TestSetFileTierAndDelete() {
	id, err := s.store.UpsertFile(File{CameraIdentifier: "cam1", Path: "/tier0/a.mp4", Tier: "tier0", SizeBytes: 100, CreatedAt: time.Now()})
	s.Require().NoError(err)

	s.Require().NoError(s.store.SetFileTier(id, "tier1"))
	files, err := s.store.FilesOlderThan(time.Now().Add(time.Hour), "tier1")
	s.Require().NoError(err)
	s.Require().Len(files, 1)

	s.Require().NoError(s.store.DeleteFile(id))
	files, err = s.store.FilesOlderThan(time.Now().Add(time.Hour), "tier1")
	s.Require().NoError(err)
	s.Empty(files)
}

func (s *StoreTestSuite) TestSaveObjectAndMotion() {
	s.Require().NoError(s.store.SaveObject(Object{CameraIdentifier: "cam1", Label: "person", Confidence: 0.9, Timestamp: time.Now()}))
	s.Require().NoError(s.store.SaveMotion(Motion{CameraIdentifier: "cam1", MaxRelArea: 0.2, Timestamp: time.Now()}))
}
