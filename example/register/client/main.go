package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidesip/sipua"
	"github.com/tidesip/sipua/auth"
	"github.com/tidesip/sipua/sip"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	extIP := flag.String("ip", "127.0.0.50:5060", "My exernal ip")
	dst := flag.String("srv", "127.0.0.1:5060", "Destination")
	tran := flag.String("t", "udp", "Transport")
	username := flag.String("u", "alice", "SIP Username")
	password := flag.String("p", "alice", "Password")
	flag.Parse()

	// Make SIP Debugging available
	sip.SIPDebug = os.Getenv("SIP_DEBUG") != ""

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		log.Logger = log.Logger.Level(lvl)
	}

	// Setup UAC. The registrar's realm is not known ahead of a 401, so
	// the credential is keyed by whatever realm it challenges with;
	// register it once the realm is learned, below.
	ua, err := sipua.NewUA(
		sipua.WithUserAgent(*username),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup user agent")
	}
	defer ua.Close()

	srv, err := sipua.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup server handle")
	}

	client, err := sipua.NewClient(ua, sipua.WithClientAddr(*extIP))
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup client handle")
	}

	ctx := context.Background()
	go srv.ListenAndServe(ctx, *tran, *extIP)

	// Wait that our server loads
	time.Sleep(1 * time.Second)
	log.Info().Str("addr", *extIP).Msg("Server listening on")

	// Create basic REGISTER request structure
	recipient := sip.Uri{}
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", *username, *dst), &recipient); err != nil {
		log.Fatal().Err(err).Msg("Fail to parse destination uri")
	}
	contact := sip.ContactHeader{}
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", *username, *extIP), &contact.Address); err != nil {
		log.Fatal().Err(err).Msg("Fail to parse contact uri")
	}

	// The registrar's realm is unknown ahead of its first challenge, so
	// ua.Register (which answers a 401/407 in one retry) cannot be handed
	// a credential yet. Probe once with a bare REGISTER to learn the
	// realm, register the credential for it, then let ua.Register do the
	// real request/challenge/retry round trip.
	probe := sip.NewRequest(sip.REGISTER, recipient)
	probe.AppendHeader(&contact)
	probe.SetTransport(strings.ToUpper(*tran))

	log.Info().Msg(probe.StartLine())
	res, err := client.Do(ctx, probe)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to send REGISTER")
	}
	log.Info().Int("status", res.StatusCode).Msg("Received status")

	if res.StatusCode == sip.StatusUnauthorized {
		challengeHeader := res.GetHeader("WWW-Authenticate")
		if challengeHeader == nil {
			log.Fatal().Msg("401 response missing WWW-Authenticate header")
		}
		chal, err := digest.ParseChallenge(challengeHeader.Value())
		if err != nil {
			log.Fatal().Err(err).Msg("Fail to parse challenge")
		}
		ua.Credentials.Put(auth.Credential{Realm: chal.Realm, Username: *username, Password: *password})

		if err := ua.Register(ctx, client, recipient, contact, 3600); err != nil {
			log.Fatal().Err(err).Msg("Fail to register")
		}
	} else if !res.IsSuccess() {
		log.Fatal().Int("status", res.StatusCode).Msg("Fail to register")
	}

	log.Info().Msg("Client registered")
}
