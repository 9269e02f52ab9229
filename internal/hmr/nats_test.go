package hmr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/packd/internal/bundle"
	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

type fakePublisher struct {
	subjects []string
	payloads []string
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, string(data))
	return f.err
}

type fakeKV struct {
	keys []string
}

func (f *fakeKV) Put(_ context.Context, key string, _ []byte) (uint64, error) {
	f.keys = append(f.keys, key)
	return uint64(len(f.keys)), nil
}

func TestNATSSink_PublishesJSONPerPlatform(t *testing.T) {
	pub := &fakePublisher{}
	kv := &fakeKV{}
	sink := &NATSSink{pub: pub, kv: kv, prefix: subjectPrefix("dev.packd.")}

	require.NoError(t, sink.Publish("ios", buildingMessage()))
	require.NoError(t, sink.Publish("ios", builtMessage(&bundle.Stats{Name: "ios", Hash: "h"})))
	require.NoError(t, sink.Publish("ios", builtMessage(&bundle.Stats{Name: "ios", Errors: []string{"x"}})))

	assert.Equal(t, []string{"dev.packd.ios.hmr", "dev.packd.ios.hmr", "dev.packd.ios.hmr"}, pub.subjects)
	assert.Equal(t, `{"action":"building","body":null}`, pub.payloads[0])
	assert.Equal(t, []string{"ios"}, kv.keys, "only successful snapshots are stored")
}

func TestNATSSink_PublishError(t *testing.T) {
	sink := &NATSSink{pub: &fakePublisher{err: errors.New("no responders")}, prefix: "packd"}

	err := sink.Publish("android", buildingMessage())
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryTransport))
}

func TestSubjectPrefixDefault(t *testing.T) {
	assert.Equal(t, "packd", subjectPrefix(""))
	assert.Equal(t, "a.b", subjectPrefix(" .a.b. "))
}

func TestNewNATSSink_RequiresURL(t *testing.T) {
	_, err := NewNATSSink(NATSConfig{})
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
}
