// Package httpserver exposes the signaling endpoints: a plain HTTP
// offer/answer exchange and a WebSocket path with trickle ICE.
package httpserver

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Mingdididi/EnglishTeacher/internal/archive"
	"github.com/Mingdididi/EnglishTeacher/internal/config"
	"github.com/Mingdididi/EnglishTeacher/internal/rtc"
)

// New constructs the configured echo server with routes.
func New(cfg config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	h := rtc.NewHandler(rtcConfig(cfg))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.POST("/call", func(c echo.Context) error {
		var offer rtc.SessionDescription
		if err := c.Bind(&offer); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offer")
		}
		answer, err := h.HandleOffer(c.Request().Context(), offer)
		if err != nil {
			log.Printf("webrtc handle offer failed: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "offer failed")
		}
		return c.JSON(http.StatusOK, answer)
	})

	e.GET("/ws", func(c echo.Context) error {
		h.ServeWebSocket(c.Response(), c.Request())
		return nil
	})

	return e
}

// rtcConfig maps application config onto the session handler's needs,
// including the optional Supabase report archive.
func rtcConfig(cfg config.Config) rtc.Config {
	out := rtc.Config{
		AssemblyAIKey:     cfg.AssemblyAIKey,
		OpenAIKey:         cfg.OpenAIKey,
		OpenAIModel:       cfg.OpenAIModel,
		AnalyzerModel:     cfg.AnalyzerModel,
		TTSProvider:       cfg.TTSProvider,
		DeepgramKey:       cfg.DeepgramKey,
		DeepgramModel:     cfg.DeepgramModel,
		ElevenLabsKey:     cfg.ElevenLabsKey,
		ElevenLabsVoiceID: cfg.ElevenLabsVoiceID,
		MaxTurns:          cfg.MaxTurns,
		Resume:            cfg.Resume,
		ICEServersJSON:    cfg.ICEServersJSON,
		AuthPassword:      cfg.WSAuthPassword,
	}
	if (archive.Config{URL: cfg.SupabaseURL, ServiceRoleKey: cfg.SupabaseKey}).Enabled() {
		store, err := archive.New(archive.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Printf("report archive disabled: %v", err)
		} else {
			out.Archive = store
		}
	}
	return out
}
