package player

import (
	"errors"

	"golang.org/x/text/language"

	"github.com/learnhub/lessonguard/internal/access"
)

var supported = []language.Tag{language.English, language.Arabic}

var matcher = language.NewMatcher(supported)

type entry struct {
	err  error
	text string
}

var catalogs = map[string][]entry{
	"en": {
		{ErrAccessValidation, "Access validation failed. Please reopen the lesson."},
		{ErrNoVideoAvailable, "No video is available for this lesson."},
		{ErrHlsNotSupported, "Your browser cannot play this video stream."},
		{ErrHlsError, "An error occurred while streaming the video."},
		{ErrVideoLoadError, "The video could not be loaded."},
		{ErrPlayError, "The video could not be played."},
	},
	"ar": {
		{ErrAccessValidation, "فشل التحقق من صلاحية الوصول. يرجى إعادة فتح الدرس."},
		{ErrNoVideoAvailable, "لا يوجد فيديو متاح لهذا الدرس."},
		{ErrHlsNotSupported, "متصفحك لا يدعم تشغيل هذا البث."},
		{ErrHlsError, "حدث خطأ أثناء بث الفيديو."},
		{ErrVideoLoadError, "تعذر تحميل الفيديو."},
		{ErrPlayError, "تعذر تشغيل الفيديو."},
	},
}

var fallbackText = map[string]string{
	"en": "Something went wrong while loading the video.",
	"ar": "حدث خطأ أثناء تحميل الفيديو.",
}

// Message renders err for display in the best language from an Accept-Language value.
// Token and payload failures all collapse to the generic access-validation text.
func Message(err error, acceptLanguage string) string {
	lang := "en"
	tags, _, _ := language.ParseAcceptLanguage(acceptLanguage)
	if _, idx, conf := matcher.Match(tags...); conf != language.No && supported[idx] == language.Arabic {
		lang = "ar"
	}
	if isAccessFailure(err) {
		err = ErrAccessValidation
	}
	for _, e := range catalogs[lang] {
		if errors.Is(err, e.err) {
			return e.text
		}
	}
	return fallbackText[lang]
}

func isAccessFailure(err error) bool {
	for _, target := range []error{
		ErrAccessValidation,
		access.ErrInvalidPayload,
		access.ErrExpired,
		access.ErrViewLimitExceeded,
		access.ErrNotFound,
		access.ErrInvalidated,
		access.ErrMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
