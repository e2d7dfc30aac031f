package gitwire

import (
	"time"

	"github.com/polydawn/refmt/obj/atlas"
)

// Atlas for serializing monitor events (and anything embedded in them)
// with refmt.  The CLI uses this for its json output format.
var Atlas = atlas.MustBuild(
	atlas.BuildEntry(Event{}).StructMap().Autogenerate().Complete(),
	atlas.BuildEntry(Event_Log{}).StructMap().Autogenerate().Complete(),
	atlas.BuildEntry(LogDetail{}).StructMap().Autogenerate().Complete(),
	atlas.BuildEntry(Event_Result{}).StructMap().Autogenerate().Complete(),
	atlas.BuildEntry(RefEntry{}).StructMap().Autogenerate().Complete(),
	atlas.BuildEntry(ObjectID{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(id ObjectID) (string, error) {
				return id.String(), nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(s string) (ObjectID, error) {
				return ParseObjectID(s)
			})).
		Complete(),
	atlas.BuildEntry(time.Time{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(t time.Time) (string, error) {
				return t.Format(time.RFC3339), nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(s string) (time.Time, error) {
				return time.Parse(time.RFC3339, s)
			})).
		Complete(),
)
