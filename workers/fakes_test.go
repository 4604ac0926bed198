package workers_test

import (
	"context"
	"sync"

	"github.com/embeddedsocial/pipeline/managers"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/workers"
)

type call struct {
	method string
	pt     managers.ProcessType
	args   []string
}

// fakeStore implements every manager interface in memory and records calls.
type fakeStore struct {
	mu            sync.Mutex
	calls         []call
	likes         map[string]managers.Like
	relationships map[string]managers.Relationship
	topics        map[string]*managers.Topic
	users         map[string]*managers.UserProfile
	failWith      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		likes:         map[string]managers.Like{},
		relationships: map[string]managers.Relationship{},
		topics:        map[string]*managers.Topic{},
		users:         map[string]*managers.UserProfile{},
	}
}

func (f *fakeStore) record(method string, pt managers.ProcessType, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, pt: pt, args: args})
	return f.failWith
}

func (f *fakeStore) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeStore) FanoutActivity(_ context.Context, pt managers.ProcessType, userHandle string, a managers.Activity) error {
	return f.record("FanoutActivity", pt, userHandle, a.ActivityHandle)
}

func (f *fakeStore) FanoutTopicActivity(_ context.Context, pt managers.ProcessType, topicHandle string, a managers.Activity) error {
	return f.record("FanoutTopicActivity", pt, topicHandle, a.ActivityHandle)
}

func (f *fakeStore) ReadTopic(_ context.Context, topicHandle string) (*managers.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.topics[topicHandle]; ok {
		return t, nil
	}
	return nil, managers.ErrNotFound
}

func (f *fakeStore) FanoutTopic(_ context.Context, pt managers.ProcessType, userHandle, appHandle, topicHandle string) error {
	return f.record("FanoutTopic", pt, userHandle, appHandle, topicHandle)
}

func edgeKey(follower, following, app string) string {
	return follower + "|" + following + "|" + app
}

func (f *fakeStore) ReadRelationship(_ context.Context, follower, following, app string) (*managers.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.relationships[edgeKey(follower, following, app)]; ok {
		return &r, nil
	}
	return nil, managers.ErrNotFound
}

// UpdateRelationship overwrites unconditionally so tests observe the handler's
// own staleness check.
func (f *fakeStore) UpdateRelationship(_ context.Context, pt managers.ProcessType, rel managers.Relationship) error {
	if err := f.record("UpdateRelationship", pt, rel.RelationshipHandle, string(rel.Status)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relationships[edgeKey(rel.FollowerKeyUserHandle, rel.FollowingKeyUserHandle, rel.AppHandle)] = rel
	return nil
}

func (f *fakeStore) ImportFollowing(_ context.Context, pt managers.ProcessType, app, follower, following string) error {
	return f.record("ImportFollowing", pt, app, follower, following)
}

func (f *fakeStore) ReadLike(_ context.Context, contentHandle, userHandle string) (*managers.Like, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.likes[contentHandle+"|"+userHandle]; ok {
		return &l, nil
	}
	return nil, managers.ErrNotFound
}

func (f *fakeStore) UpdateLike(_ context.Context, pt managers.ProcessType, like managers.Like) error {
	if err := f.record("UpdateLike", pt, like.LikeHandle); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.likes[like.ContentHandle+"|"+like.UserHandle] = like
	return nil
}

func (f *fakeStore) ReadUserProfile(_ context.Context, userHandle, appHandle string) (*managers.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userHandle+"|"+appHandle]; ok {
		return u, nil
	}
	return nil, managers.ErrNotFound
}

func (f *fakeStore) IndexTopic(_ context.Context, topic *managers.Topic) error {
	return f.record("IndexTopic", managers.ProcessTypeBackend, topic.TopicHandle)
}

func (f *fakeStore) RemoveTopic(_ context.Context, topicHandle string) error {
	return f.record("RemoveTopic", managers.ProcessTypeBackend, topicHandle)
}

func (f *fakeStore) IndexUser(_ context.Context, profile *managers.UserProfile) error {
	return f.record("IndexUser", managers.ProcessTypeBackend, profile.UserHandle)
}

func (f *fakeStore) RemoveUser(_ context.Context, userHandle, appHandle string) error {
	return f.record("RemoveUser", managers.ProcessTypeBackend, userHandle, appHandle)
}

func (f *fakeStore) SubmitReportForReview(_ context.Context, pt managers.ProcessType, app, report, callback string) error {
	return f.record("SubmitReportForReview", pt, app, report, callback)
}

func (f *fakeStore) ResizeImage(_ context.Context, pt managers.ProcessType, blob string, imageType messages.ImageType) error {
	return f.record("ResizeImage", pt, blob, string(imageType))
}

func (f *fakeStore) SubmitContentForModeration(_ context.Context, pt managers.ProcessType, req managers.ModerationRequest) error {
	return f.record("SubmitContentForModeration", pt, req.ModerationHandle, req.ContentHandle)
}

func (f *fakeStore) SubmitImageForModeration(_ context.Context, pt managers.ProcessType, req managers.ModerationRequest) error {
	return f.record("SubmitImageForModeration", pt, req.ModerationHandle, req.BlobHandle)
}

func (f *fakeStore) SubmitUserForModeration(_ context.Context, pt managers.ProcessType, req managers.ModerationRequest) error {
	return f.record("SubmitUserForModeration", pt, req.ModerationHandle, req.UserHandle)
}

func (f *fakeStore) managers() workers.Managers {
	return workers.ManagersFrom(f)
}
